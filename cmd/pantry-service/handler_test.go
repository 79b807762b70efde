// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/pantry/lib/passhash"
	"github.com/bureau-foundation/pantry/lib/recipestore"
	"github.com/bureau-foundation/pantry/lib/service"
	"github.com/bureau-foundation/pantry/lib/testutil"
)

type testServer struct {
	address string
	images  string
}

// startTestServer runs the full action set against a fresh store on a
// loopback port.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	images := filepath.Join(dir, "recipe_images")
	logger := testutil.Logger()

	store, err := recipestore.Open(context.Background(), recipestore.Config{
		DatabasePath: filepath.Join(dir, "database.db"),
		ImageDir:     images,
		Credentials:  passhash.Params{Time: 1, Memory: 64, Threads: 1, KeyLength: 16, SaltLength: 8},
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("recipestore.Open: %v", err)
	}

	server := service.NewServer(service.ServerConfig{
		Address: "127.0.0.1:0",
		Logger:  logger,
	})
	newRouter(store, logger).register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 10*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	return &testServer{address: server.Addr().String(), images: images}
}

func (s *testServer) call(t *testing.T, request map[string]any) *service.Reply {
	t.Helper()
	reply, err := service.Call(context.Background(), s.address, service.FramingBrace, request)
	if err != nil {
		t.Fatalf("Call(%v): %v", request["action"], err)
	}
	return reply
}

// mustSucceed sends request and decodes the success body into result
// (which may be nil).
func (s *testServer) mustSucceed(t *testing.T, request map[string]any, result any) {
	t.Helper()
	reply := s.call(t, request)
	if !reply.OK() {
		t.Fatalf("%v: status %q, message %q", request["action"], reply.Status, reply.Message)
	}
	if result != nil {
		if err := reply.Decode(result); err != nil {
			t.Fatalf("decoding %v response: %v", request["action"], err)
		}
	}
}

func (s *testServer) expectError(t *testing.T, request map[string]any, message string) {
	t.Helper()
	reply := s.call(t, request)
	if reply.Status != service.StatusError || reply.Message != message {
		t.Errorf("%v: got %q / %q, want error %q", request["action"], reply.Status, reply.Message, message)
	}
}

type wireAccount struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Admin      bool   `json:"admin"`
	Authorized bool   `json:"authorized"`
}

type wireRecipe struct {
	ID          int64   `json:"id"`
	AuthorName  string  `json:"author_name"`
	RecipeName  string  `json:"recipe_name"`
	Description string  `json:"description"`
	CookingTime int64   `json:"cooking_time"`
	Products    string  `json:"products"`
	PicturePath string  `json:"picture_path"`
	Confirmed   bool    `json:"confirmed"`
	ImageData   *string `json:"image_data"`
}

func (s *testServer) users(t *testing.T) []wireAccount {
	t.Helper()
	var response struct {
		Users []wireAccount `json:"users"`
	}
	s.mustSucceed(t, map[string]any{"action": "load_users"}, &response)
	return response.Users
}

func (s *testServer) recipes(t *testing.T, request map[string]any) []wireRecipe {
	t.Helper()
	request["action"] = "load_recipes"
	var response struct {
		Recipes []wireRecipe `json:"recipes"`
	}
	s.mustSucceed(t, request, &response)
	return response.Recipes
}

func (s *testServer) saveRecipe(t *testing.T, data map[string]any) int64 {
	t.Helper()
	var response struct {
		RecipeID int64  `json:"recipe_id"`
		Message  string `json:"message"`
	}
	s.mustSucceed(t, map[string]any{"action": "save_recipe", "recipe_data": data}, &response)
	if response.Message != "Recipe saved successfully" {
		t.Errorf("save message = %q", response.Message)
	}
	return response.RecipeID
}

func recipeData(name, products string, image []byte) map[string]any {
	return map[string]any{
		"author_name":  "alice",
		"recipe_name":  name,
		"description":  "Mix and bake.",
		"cooking_time": 45,
		"products":     products,
		"image_name":   "photo.png",
		"image_data":   base64.StdEncoding.EncodeToString(image),
	}
}

func findRecipe(t *testing.T, recipes []wireRecipe, id int64) wireRecipe {
	t.Helper()
	for _, recipe := range recipes {
		if recipe.ID == id {
			return recipe
		}
	}
	t.Fatalf("recipe %d not listed", id)
	return wireRecipe{}
}

func TestLoadUsersOnEmptyStore(t *testing.T) {
	server := startTestServer(t)
	reply := server.call(t, map[string]any{"action": "load_users"})
	if string(reply.Raw) != `{"status":"success","users":[]}` {
		t.Errorf("response = %s", reply.Raw)
	}
}

func TestCheckLoginWithoutMatch(t *testing.T) {
	server := startTestServer(t)
	reply := server.call(t, map[string]any{"action": "check_login", "username": "a", "password": "b"})
	if string(reply.Raw) != `{"status":"error","message":"Invalid credentials"}` {
		t.Errorf("response = %s", reply.Raw)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	server := startTestServer(t)
	server.mustSucceed(t, map[string]any{"action": "register_user", "username": "alice", "password": "pw"}, nil)

	var response struct {
		User wireAccount `json:"user"`
	}
	server.mustSucceed(t, map[string]any{"action": "check_login", "username": "alice", "password": "pw"}, &response)
	if response.User.Username != "alice" || response.User.ID <= 0 {
		t.Errorf("user = %+v", response.User)
	}
	if response.User.Admin || response.User.Authorized {
		t.Errorf("new user has flags set: %+v", response.User)
	}
	if !passhash.IsHash(response.User.Password) {
		t.Errorf("password field %q is not a stored hash", response.User.Password)
	}

	server.expectError(t, map[string]any{"action": "check_login", "username": "alice", "password": "wrong"}, "Invalid credentials")
	server.expectError(t, map[string]any{"action": "register_user", "username": "alice", "password": "other"}, "Username already exists")
}

func TestConcurrentDuplicateRegistration(t *testing.T) {
	server := startTestServer(t)

	const clients = 2
	handle := testutil.UniqueID("racer")
	replies := make([]*service.Reply, clients)
	var waitGroup sync.WaitGroup
	for i := range clients {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			reply, err := service.Call(context.Background(), server.address, service.FramingBrace,
				map[string]any{"action": "register_user", "username": handle, "password": "pw"})
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			replies[i] = reply
		}()
	}
	waitGroup.Wait()

	succeeded, duplicates := 0, 0
	for _, reply := range replies {
		switch {
		case reply == nil:
		case reply.OK():
			succeeded++
		case reply.Message == "Username already exists":
			duplicates++
		default:
			t.Errorf("unexpected reply %q", reply.Message)
		}
	}
	if succeeded != 1 || duplicates != 1 {
		t.Errorf("succeeded=%d duplicates=%d, want 1 and 1", succeeded, duplicates)
	}
}

func TestAccountValidation(t *testing.T) {
	server := startTestServer(t)
	server.expectError(t, map[string]any{"action": "register_user", "password": "pw"}, "missing required field: username")
	server.expectError(t, map[string]any{"action": "register_user", "username": "a"}, "missing required field: password")
	server.expectError(t, map[string]any{"action": "check_login", "username": "a"}, "Invalid credentials")
	server.expectError(t, map[string]any{"action": "check_login", "password": "pw"}, "Invalid credentials")
	server.expectError(t, map[string]any{"action": "check_login", "username": nil, "password": nil}, "Invalid credentials")
	server.expectError(t, map[string]any{"action": "activate_user"}, "missing required field: user_id")
	server.expectError(t, map[string]any{"action": "delete_user", "user_id": 0}, "invalid field: user_id")

	reply := server.call(t, map[string]any{"action": "grant_admin_privileges", "user_id": "seven"})
	if reply.Status != service.StatusError {
		t.Errorf("string user_id accepted: %s", reply.Raw)
	}
}

func TestUserAdministration(t *testing.T) {
	server := startTestServer(t)
	server.mustSucceed(t, map[string]any{"action": "register_user", "username": "alice", "password": "a"}, nil)
	server.mustSucceed(t, map[string]any{"action": "register_user", "username": "bob", "password": "b"}, nil)
	users := server.users(t)
	if len(users) != 2 {
		t.Fatalf("users = %+v", users)
	}
	alice, bob := users[0].ID, users[1].ID

	server.mustSucceed(t, map[string]any{"action": "activate_user", "user_id": alice}, nil)
	if users := server.users(t); !users[0].Authorized || users[1].Authorized {
		t.Errorf("after activate: %+v", users)
	}
	server.mustSucceed(t, map[string]any{"action": "deactivate_user", "user_id": alice}, nil)
	if users := server.users(t); users[0].Authorized {
		t.Errorf("after deactivate: %+v", users)
	}
	server.mustSucceed(t, map[string]any{"action": "grant_admin_privileges", "user_id": bob}, nil)
	if users := server.users(t); !users[1].Admin || !users[1].Authorized {
		t.Errorf("after grant: %+v", users)
	}
	server.mustSucceed(t, map[string]any{"action": "delete_user", "user_id": alice}, nil)
	if users := server.users(t); len(users) != 1 || users[0].ID != bob {
		t.Errorf("after delete: %+v", users)
	}

	// Unknown ids succeed without effect.
	server.mustSucceed(t, map[string]any{"action": "activate_user", "user_id": 404}, nil)
}

func TestSaveAndLoadRecipe(t *testing.T) {
	server := startTestServer(t)
	image := []byte("\x89PNG fake image")
	id := server.saveRecipe(t, recipeData("Apple Pie", "apple, flour, butter", image))
	if id <= 0 {
		t.Fatalf("recipe_id = %d", id)
	}

	recipe := findRecipe(t, server.recipes(t, map[string]any{}), id)
	if recipe.RecipeName != "Apple Pie" || recipe.CookingTime != 45 || recipe.Confirmed {
		t.Errorf("recipe = %+v", recipe)
	}
	if filepath.Ext(recipe.PicturePath) != ".png" {
		t.Errorf("picture_path = %q, want .png", recipe.PicturePath)
	}
	if recipe.ImageData == nil || *recipe.ImageData != base64.StdEncoding.EncodeToString(image) {
		t.Errorf("image_data = %v", recipe.ImageData)
	}
}

func TestSaveRecipeWithoutImage(t *testing.T) {
	server := startTestServer(t)

	for _, missing := range []string{"image_name", "image_data"} {
		data := recipeData("No Photo", "water", []byte("x"))
		delete(data, missing)
		server.expectError(t, map[string]any{"action": "save_recipe", "recipe_data": data}, "Missing image data")
	}

	if recipes := server.recipes(t, map[string]any{}); len(recipes) != 0 {
		t.Errorf("rows created: %+v", recipes)
	}
	entries, err := os.ReadDir(server.images)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("blobs created: %d", len(entries))
	}
}

func TestSaveRecipeValidation(t *testing.T) {
	server := startTestServer(t)
	server.expectError(t, map[string]any{"action": "save_recipe"}, "missing required field: recipe_data")

	data := recipeData("Soup", "water", []byte("x"))
	delete(data, "recipe_name")
	server.expectError(t, map[string]any{"action": "save_recipe", "recipe_data": data}, "missing required field: recipe_name")

	data = recipeData("Soup", "water", []byte("x"))
	data["cooking_time"] = -1
	server.expectError(t, map[string]any{"action": "save_recipe", "recipe_data": data}, "invalid field: cooking_time")

	data = recipeData("Soup", "water", []byte("x"))
	data["image_data"] = "not base64!"
	server.expectError(t, map[string]any{"action": "save_recipe", "recipe_data": data}, "invalid field: image_data")
}

func TestLoadRecipesFilters(t *testing.T) {
	server := startTestServer(t)
	pancakes := server.saveRecipe(t, recipeData("Pancakes", "egg, flour, milk", []byte("p")))
	omelette := server.saveRecipe(t, recipeData("Omelette", "egg, cheese", []byte("o")))
	server.mustSucceed(t, map[string]any{"action": "confirm_recipe", "recipe_id": omelette}, nil)

	confirmed := server.recipes(t, map[string]any{"only_confirmed": true})
	if len(confirmed) != 1 || confirmed[0].ID != omelette || !confirmed[0].Confirmed {
		t.Errorf("only_confirmed = %+v", confirmed)
	}

	both := server.recipes(t, map[string]any{"by_ingredients": "egg,flour"})
	if len(both) != 1 || both[0].ID != pancakes {
		t.Errorf("by_ingredients egg,flour = %+v", both)
	}

	limited := server.recipes(t, map[string]any{"limit": 1})
	if len(limited) != 1 || limited[0].ID != pancakes {
		t.Errorf("limit 1 = %+v", limited)
	}

	nulls := server.recipes(t, map[string]any{"limit": nil, "by_author": nil, "by_name": nil})
	if len(nulls) != 2 {
		t.Errorf("null filters returned %d recipes, want 2", len(nulls))
	}

	server.expectError(t, map[string]any{"action": "load_recipes", "limit": -1}, "invalid field: limit")
}

func TestLoadRecipesMissingImageIsNull(t *testing.T) {
	server := startTestServer(t)
	id := server.saveRecipe(t, recipeData("Bread", "flour", []byte("b")))
	recipe := findRecipe(t, server.recipes(t, map[string]any{}), id)
	if err := os.Remove(filepath.Join(server.images, recipe.PicturePath)); err != nil {
		t.Fatal(err)
	}

	reply := server.call(t, map[string]any{"action": "load_recipes"})
	if !reply.OK() {
		t.Fatalf("load_recipes failed: %s", reply.Message)
	}
	var response struct {
		Recipes []map[string]any `json:"recipes"`
	}
	if err := reply.Decode(&response); err != nil {
		t.Fatal(err)
	}
	value, present := response.Recipes[0]["image_data"]
	if !present || value != nil {
		t.Errorf("image_data = %v (present %v), want null", value, present)
	}
}

func TestUpdateRecipe(t *testing.T) {
	server := startTestServer(t)
	id := server.saveRecipe(t, recipeData("Stew", "beef, carrot", []byte("old image")))
	server.mustSucceed(t, map[string]any{"action": "confirm_recipe", "recipe_id": id}, nil)
	before := findRecipe(t, server.recipes(t, map[string]any{}), id)

	// A non-admin edit without a new image keeps the blob and resets
	// confirmation.
	server.mustSucceed(t, map[string]any{
		"action": "update_recipe",
		"recipe_data": map[string]any{
			"id":          id,
			"recipe_name": "Beef Stew",
			"image_data":  "",
			"old_image":   before.PicturePath,
		},
	}, nil)
	after := findRecipe(t, server.recipes(t, map[string]any{}), id)
	if after.RecipeName != "Beef Stew" || after.Products != "beef, carrot" {
		t.Errorf("after edit = %+v", after)
	}
	if after.Confirmed {
		t.Error("non-admin edit kept confirmation")
	}
	if after.PicturePath != before.PicturePath {
		t.Errorf("picture_path changed without a new image: %q -> %q", before.PicturePath, after.PicturePath)
	}

	// An admin edit with a new image replaces the blob.
	newImage := []byte("new image")
	server.mustSucceed(t, map[string]any{
		"action":   "update_recipe",
		"by_admin": true,
		"recipe_data": map[string]any{
			"id":         id,
			"image_name": "stew.jpg",
			"image_data": base64.StdEncoding.EncodeToString(newImage),
			"old_image":  after.PicturePath,
		},
	}, nil)
	replaced := findRecipe(t, server.recipes(t, map[string]any{}), id)
	if !replaced.Confirmed {
		t.Error("admin edit did not confirm")
	}
	if replaced.PicturePath == after.PicturePath || filepath.Ext(replaced.PicturePath) != ".jpg" {
		t.Errorf("picture_path = %q", replaced.PicturePath)
	}
	if replaced.ImageData == nil || *replaced.ImageData != base64.StdEncoding.EncodeToString(newImage) {
		t.Errorf("image_data = %v", replaced.ImageData)
	}
	if _, err := os.Stat(filepath.Join(server.images, after.PicturePath)); !os.IsNotExist(err) {
		t.Errorf("old blob still present: %v", err)
	}

	server.expectError(t, map[string]any{
		"action":      "update_recipe",
		"recipe_data": map[string]any{"id": 9999, "recipe_name": "Ghost"},
	}, "Recipe not found")
	server.expectError(t, map[string]any{
		"action":      "update_recipe",
		"recipe_data": map[string]any{"recipe_name": "No id"},
	}, "missing required field: id")
}

func TestDeleteRecipe(t *testing.T) {
	server := startTestServer(t)
	id := server.saveRecipe(t, recipeData("Salad", "lettuce", []byte("s")))
	recipe := findRecipe(t, server.recipes(t, map[string]any{}), id)

	server.mustSucceed(t, map[string]any{"action": "delete_recipe", "recipe_id": id}, nil)
	for _, remaining := range server.recipes(t, map[string]any{}) {
		if remaining.ID == id {
			t.Errorf("deleted recipe %d still listed", id)
		}
	}
	if _, err := os.Stat(filepath.Join(server.images, recipe.PicturePath)); !os.IsNotExist(err) {
		t.Errorf("blob still on disk: %v", err)
	}

	server.mustSucceed(t, map[string]any{"action": "delete_recipe", "recipe_id": id}, nil)
	server.mustSucceed(t, map[string]any{"action": "confirm_recipe", "recipe_id": id}, nil)
}

func TestUnknownAction(t *testing.T) {
	server := startTestServer(t)
	server.expectError(t, map[string]any{"action": "drop_database"}, "Unknown action")
}
