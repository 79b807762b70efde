// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bureau-foundation/pantry/lib/recipestore"
	"github.com/bureau-foundation/pantry/lib/service"
	"github.com/bureau-foundation/pantry/lib/sqlitepool"
)

// Client-facing messages for store conditions. Existing clients match
// on these strings.
const (
	messageInvalidCredentials = "Invalid credentials"
	messageDuplicateHandle    = "Username already exists"
	messageMissingImageData   = "Missing image data"
	messageRecipeSaved        = "Recipe saved successfully"
	messageRecipeNotFound     = "Recipe not found"
	messageInvalidRecipe      = "Invalid recipe"
	messageBusy               = "Database is busy, try again later"
)

// router maps actions to store operations.
type router struct {
	store    *recipestore.Store
	validate *validator.Validate
	logger   *slog.Logger
}

func newRouter(store *recipestore.Store, logger *slog.Logger) *router {
	validate := validator.New()
	// Report fields by their wire names.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &router{store: store, validate: validate, logger: logger}
}

func (r *router) register(server *service.Server) {
	server.Handle("check_login", r.handleCheckLogin)
	server.Handle("register_user", r.handleRegisterUser)
	server.Handle("load_users", r.handleLoadUsers)
	server.Handle("load_recipes", r.handleLoadRecipes)
	server.Handle("activate_user", r.handleActivateUser)
	server.Handle("deactivate_user", r.handleDeactivateUser)
	server.Handle("grant_admin_privileges", r.handleGrantAdmin)
	server.Handle("delete_user", r.handleDeleteUser)
	server.Handle("confirm_recipe", r.handleConfirmRecipe)
	server.Handle("delete_recipe", r.handleDeleteRecipe)
	server.Handle("save_recipe", r.handleSaveRecipe)
	server.Handle("update_recipe", r.handleUpdateRecipe)
}

// decode unmarshals raw into request and checks its validate tags.
func (r *router) decode(raw []byte, request any) error {
	if err := json.Unmarshal(raw, request); err != nil {
		return service.Publicf("invalid request: %v", err)
	}
	return r.check(request)
}

func (r *router) check(value any) error {
	err := r.validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err
	}
	first := fieldErrors[0]
	r.logger.Debug("request failed validation",
		"field", first.Namespace(),
		"rule", first.Tag(),
	)
	if first.Tag() == "required" {
		return service.Public(err, "missing required field: "+first.Field())
	}
	return service.Public(err, "invalid field: "+first.Field())
}

// storeError attaches the client message for known store conditions.
// Anything else stays internal.
func storeError(err error) error {
	switch {
	case errors.Is(err, recipestore.ErrInvalidCredentials):
		return service.Public(err, messageInvalidCredentials)
	case errors.Is(err, recipestore.ErrDuplicateHandle):
		return service.Public(err, messageDuplicateHandle)
	case errors.Is(err, recipestore.ErrMissingImageData):
		return service.Public(err, messageMissingImageData)
	case errors.Is(err, recipestore.ErrRecipeNotFound):
		return service.Public(err, messageRecipeNotFound)
	case errors.Is(err, recipestore.ErrInvalidRecipe):
		return service.Public(err, messageInvalidRecipe)
	case errors.Is(err, recipestore.ErrInvalidFilter):
		return service.Public(err, "invalid field: limit")
	case errors.Is(err, sqlitepool.ErrBusy):
		return service.Public(err, messageBusy)
	}
	return err
}

// --- Accounts ---

type credentialsRequest struct {
	Username *string `json:"username" validate:"required"`
	Password *string `json:"password" validate:"required"`
}

type userResponse struct {
	User recipestore.Account `json:"user"`
}

type usersResponse struct {
	Users []recipestore.Account `json:"users"`
}

type userIDRequest struct {
	UserID *int64 `json:"user_id" validate:"required,gt=0"`
}

// loginRequest carries no validate tags: a login without a handle or
// credential matches no account and is answered as invalid credentials.
type loginRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

func (r *router) handleCheckLogin(ctx context.Context, raw []byte) (any, error) {
	var request loginRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	if request.Username == nil || request.Password == nil {
		return nil, storeError(recipestore.ErrInvalidCredentials)
	}
	account, err := r.store.CheckLogin(ctx, *request.Username, *request.Password)
	if err != nil {
		return nil, storeError(err)
	}
	return userResponse{User: account}, nil
}

func (r *router) handleRegisterUser(ctx context.Context, raw []byte) (any, error) {
	var request credentialsRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	if _, err := r.store.Register(ctx, *request.Username, *request.Password); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func (r *router) handleLoadUsers(ctx context.Context, _ []byte) (any, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return usersResponse{Users: accounts}, nil
}

// userAction decodes a user_id request and applies operation to it.
func (r *router) userAction(ctx context.Context, raw []byte, operation func(context.Context, int64) error) (any, error) {
	var request userIDRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	if err := operation(ctx, *request.UserID); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func (r *router) handleActivateUser(ctx context.Context, raw []byte) (any, error) {
	return r.userAction(ctx, raw, func(ctx context.Context, id int64) error {
		return r.store.SetAuthorized(ctx, id, true)
	})
}

func (r *router) handleDeactivateUser(ctx context.Context, raw []byte) (any, error) {
	return r.userAction(ctx, raw, func(ctx context.Context, id int64) error {
		return r.store.SetAuthorized(ctx, id, false)
	})
}

func (r *router) handleGrantAdmin(ctx context.Context, raw []byte) (any, error) {
	return r.userAction(ctx, raw, r.store.GrantAdmin)
}

func (r *router) handleDeleteUser(ctx context.Context, raw []byte) (any, error) {
	return r.userAction(ctx, raw, r.store.DeleteAccount)
}

// --- Recipes ---

type loadRecipesRequest struct {
	OnlyConfirmed bool   `json:"only_confirmed"`
	Limit         *int   `json:"limit" validate:"omitempty,gte=0"`
	ByAuthor      string `json:"by_author"`
	ByName        string `json:"by_name"`
	ByIngredients string `json:"by_ingredients"`
}

type recipesResponse struct {
	Recipes []recipestore.Recipe `json:"recipes"`
}

type recipeIDRequest struct {
	RecipeID *int64 `json:"recipe_id" validate:"required,gt=0"`
}

// saveRecipeData is recipe_data for save_recipe. The image fields are
// checked before the rest so a request without an image reports
// "Missing image data" like earlier servers did.
type saveRecipeData struct {
	AuthorName  *string `json:"author_name" validate:"required"`
	RecipeName  *string `json:"recipe_name" validate:"required"`
	Description *string `json:"description" validate:"required"`
	CookingTime *int64  `json:"cooking_time" validate:"required,gte=0"`
	Products    *string `json:"products" validate:"required"`
	Confirmed   bool    `json:"confirmed"`
	ImageName   *string `json:"image_name"`
	ImageData   *string `json:"image_data"`
}

type saveRecipeRequest struct {
	RecipeData *saveRecipeData `json:"recipe_data" validate:"required"`
}

type saveRecipeResponse struct {
	RecipeID int64  `json:"recipe_id"`
	Message  string `json:"message"`
}

// updateRecipeData is recipe_data for update_recipe. Absent fields
// keep their stored values. old_image is accepted for compatibility;
// the stored reference is authoritative.
type updateRecipeData struct {
	ID          *int64  `json:"id" validate:"required,gt=0"`
	AuthorName  *string `json:"author_name"`
	RecipeName  *string `json:"recipe_name"`
	Description *string `json:"description"`
	CookingTime *int64  `json:"cooking_time" validate:"omitempty,gte=0"`
	Products    *string `json:"products"`
	ImageName   *string `json:"image_name"`
	ImageData   *string `json:"image_data"`
	OldImage    *string `json:"old_image"`
}

type updateRecipeRequest struct {
	RecipeData *updateRecipeData `json:"recipe_data" validate:"required"`
	ByAdmin    bool              `json:"by_admin"`
}

func (r *router) handleLoadRecipes(ctx context.Context, raw []byte) (any, error) {
	var request loadRecipesRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	recipes, err := r.store.ListRecipes(ctx, recipestore.RecipeFilter{
		OnlyConfirmed: request.OnlyConfirmed,
		Limit:         request.Limit,
		Author:        request.ByAuthor,
		Name:          request.ByName,
		Ingredients:   request.ByIngredients,
	})
	if err != nil {
		return nil, storeError(err)
	}
	return recipesResponse{Recipes: recipes}, nil
}

func (r *router) handleConfirmRecipe(ctx context.Context, raw []byte) (any, error) {
	var request recipeIDRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	if err := r.store.ConfirmRecipe(ctx, *request.RecipeID); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func (r *router) handleDeleteRecipe(ctx context.Context, raw []byte) (any, error) {
	var request recipeIDRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	if err := r.store.DeleteRecipe(ctx, *request.RecipeID); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func (r *router) handleSaveRecipe(ctx context.Context, raw []byte) (any, error) {
	var request saveRecipeRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, service.Publicf("invalid request: %v", err)
	}
	if request.RecipeData == nil {
		return nil, service.Public(nil, "missing required field: recipe_data")
	}
	data := request.RecipeData
	if data.ImageName == nil || data.ImageData == nil {
		return nil, service.Public(recipestore.ErrMissingImageData, messageMissingImageData)
	}
	if err := r.check(&request); err != nil {
		return nil, err
	}
	image, err := decodeImage(*data.ImageData)
	if err != nil {
		return nil, err
	}

	id, err := r.store.SaveRecipe(ctx, recipestore.NewRecipe{
		Author:      *data.AuthorName,
		Name:        *data.RecipeName,
		Description: *data.Description,
		CookingTime: *data.CookingTime,
		Ingredients: *data.Products,
		Confirmed:   data.Confirmed,
		ImageName:   *data.ImageName,
		Image:       image,
	})
	if err != nil {
		return nil, storeError(err)
	}
	return saveRecipeResponse{RecipeID: id, Message: messageRecipeSaved}, nil
}

func (r *router) handleUpdateRecipe(ctx context.Context, raw []byte) (any, error) {
	var request updateRecipeRequest
	if err := r.decode(raw, &request); err != nil {
		return nil, err
	}
	data := request.RecipeData

	update := recipestore.RecipeUpdate{
		ID:          *data.ID,
		Author:      data.AuthorName,
		Name:        data.RecipeName,
		Description: data.Description,
		CookingTime: data.CookingTime,
		Ingredients: data.Products,
		Confirmed:   request.ByAdmin,
	}
	if data.ImageData != nil && *data.ImageData != "" {
		image, err := decodeImage(*data.ImageData)
		if err != nil {
			return nil, err
		}
		update.Image = image
		if data.ImageName != nil {
			update.ImageName = *data.ImageName
		}
	}

	if err := r.store.UpdateRecipe(ctx, update); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func decodeImage(encoded string) ([]byte, error) {
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, service.Public(err, "invalid field: image_data")
	}
	return image, nil
}
