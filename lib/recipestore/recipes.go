// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recipestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/pantry/lib/blobstore"
)

// Recipe is a stored recipe. Image is the content of the blob named by
// PicturePath, or nil when the blob is missing or fails its digest
// check.
type Recipe struct {
	ID          int64  `json:"id"`
	Author      string `json:"author_name"`
	Name        string `json:"recipe_name"`
	Description string `json:"description"`
	CookingTime int64  `json:"cooking_time"`
	Ingredients string `json:"products"`
	PicturePath string `json:"picture_path"`
	Confirmed   bool   `json:"confirmed"`
	Image       []byte `json:"image_data"`

	digest string
}

// NewRecipe is the input to SaveRecipe.
type NewRecipe struct {
	Author      string
	Name        string
	Description string
	CookingTime int64
	Ingredients string
	Confirmed   bool

	// ImageName is the client's file name; only its extension is kept.
	ImageName string
	Image     []byte
}

// RecipeUpdate is the input to UpdateRecipe. Nil fields keep their
// stored values.
type RecipeUpdate struct {
	ID          int64
	Author      *string
	Name        *string
	Description *string
	CookingTime *int64
	Ingredients *string

	// Confirmed replaces the stored flag unconditionally.
	Confirmed bool

	// A non-empty Image replaces the stored blob.
	ImageName string
	Image     []byte
}

// RecipeFilter selects recipes for ListRecipes. All set conditions
// must hold.
type RecipeFilter struct {
	// OnlyConfirmed excludes unconfirmed recipes.
	OnlyConfirmed bool

	// Limit caps the number of results when non-nil. Must not be
	// negative.
	Limit *int

	// Author matches author_name exactly when non-empty.
	Author string

	// Name matches as a case-insensitive substring of recipe_name.
	Name string

	// Ingredients is a comma-separated list; each non-empty entry must
	// appear as a case-insensitive substring of the ingredient text.
	Ingredients string
}

const recipeColumns = "id, author_name, recipe_name, description, cooking_time, products, picture_path, confirmed, picture_digest"

func scanRecipe(stmt *sqlite.Stmt) Recipe {
	return Recipe{
		ID:          stmt.ColumnInt64(0),
		Author:      stmt.ColumnText(1),
		Name:        stmt.ColumnText(2),
		Description: stmt.ColumnText(3),
		CookingTime: stmt.ColumnInt64(4),
		Ingredients: stmt.ColumnText(5),
		PicturePath: stmt.ColumnText(6),
		Confirmed:   stmt.ColumnInt(7) != 0,
		digest:      stmt.ColumnText(8),
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern returns a LIKE pattern (with ESCAPE '\') matching
// any text that contains needle.
func containsPattern(needle string) string {
	return "%" + likeEscaper.Replace(needle) + "%"
}

// ListRecipes returns the recipes matching filter ordered by id, with
// their image content attached. Never nil.
func (s *Store) ListRecipes(ctx context.Context, filter RecipeFilter) ([]Recipe, error) {
	var conditions []string
	var args []any
	if filter.OnlyConfirmed {
		conditions = append(conditions, "confirmed = 1")
	}
	if filter.Author != "" {
		conditions = append(conditions, "author_name = ?")
		args = append(args, filter.Author)
	}
	if filter.Name != "" {
		conditions = append(conditions, `recipe_name LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(filter.Name))
	}
	for _, ingredient := range strings.Split(filter.Ingredients, ",") {
		ingredient = strings.TrimSpace(ingredient)
		if ingredient == "" {
			continue
		}
		conditions = append(conditions, `products LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(ingredient))
	}

	query := "SELECT " + recipeColumns + " FROM recipes"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit != nil {
		if *filter.Limit < 0 {
			return nil, fmt.Errorf("recipestore: limit %d: %w", *filter.Limit, ErrInvalidFilter)
		}
		query += " LIMIT ?"
		args = append(args, *filter.Limit)
	}

	recipes := []Recipe{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				recipes = append(recipes, scanRecipe(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("recipestore: listing recipes: %w", err)
	}

	for i := range recipes {
		recipes[i].Image = s.readImage(&recipes[i])
	}
	return recipes, nil
}

// readImage returns the blob of recipe, or nil if it cannot be served.
func (s *Store) readImage(recipe *Recipe) []byte {
	if recipe.PicturePath == "" {
		return nil
	}
	data, err := s.blobs.Read(recipe.PicturePath)
	if err != nil {
		if !errorsIsAny(err, blobstore.ErrNotFound, blobstore.ErrInvalidName) {
			s.logger.Warn("reading recipe image failed",
				"recipe_id", recipe.ID,
				"picture_path", recipe.PicturePath,
				"error", err,
			)
		}
		return nil
	}
	matches, err := blobstore.Verify(data, recipe.digest)
	if err != nil || !matches {
		s.logger.Warn("recipe image does not match its recorded digest",
			"recipe_id", recipe.ID,
			"picture_path", recipe.PicturePath,
			"error", err,
		)
		return nil
	}
	return data
}

// SaveRecipe stores the image blob and then inserts the recipe row,
// returning the new id. The blob is removed again if the insert fails.
func (s *Store) SaveRecipe(ctx context.Context, recipe NewRecipe) (int64, error) {
	if recipe.ImageName == "" || len(recipe.Image) == 0 {
		return 0, ErrMissingImageData
	}
	if recipe.CookingTime < 0 {
		return 0, fmt.Errorf("recipestore: cooking time %d: %w", recipe.CookingTime, ErrInvalidRecipe)
	}

	picture, digest, err := s.blobs.Put(recipe.ImageName, recipe.Image)
	if err != nil {
		return 0, fmt.Errorf("recipestore: storing image: %w", err)
	}

	var id int64
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		id = 0
		err := sqlitex.Execute(conn, `INSERT INTO recipes (
				author_name, recipe_name, description, cooking_time,
				products, picture_path, confirmed, picture_digest
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				recipe.Author,
				recipe.Name,
				recipe.Description,
				recipe.CookingTime,
				recipe.Ingredients,
				picture,
				sqliteBool(recipe.Confirmed),
				digest.String(),
			}})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		s.discardBlob(picture, "recipe insert failed")
		return 0, fmt.Errorf("recipestore: saving recipe: %w", err)
	}

	s.logger.Info("recipe saved", "recipe_id", id, "picture_path", picture)
	return id, nil
}

// UpdateRecipe changes recipe update.ID in place. A supplied image is
// written as a new blob before the row changes; the previous blob is
// removed after commit. An unknown id returns ErrRecipeNotFound and
// leaves no new blob behind.
func (s *Store) UpdateRecipe(ctx context.Context, update RecipeUpdate) error {
	if update.CookingTime != nil && *update.CookingTime < 0 {
		return fmt.Errorf("recipestore: cooking time %d: %w", *update.CookingTime, ErrInvalidRecipe)
	}

	var newPicture, newDigest any
	if len(update.Image) > 0 {
		picture, digest, err := s.blobs.Put(update.ImageName, update.Image)
		if err != nil {
			return fmt.Errorf("recipestore: storing image: %w", err)
		}
		newPicture, newDigest = picture, digest.String()
	}

	var oldPicture string
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		oldPicture = ""
		found := false
		err := sqlitex.Execute(conn, "SELECT picture_path FROM recipes WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{update.ID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					oldPicture = stmt.ColumnText(0)
					found = true
					return nil
				},
			})
		if err != nil {
			return err
		}
		if !found {
			return ErrRecipeNotFound
		}

		return sqlitex.Execute(conn, `UPDATE recipes SET
				author_name = COALESCE(?, author_name),
				recipe_name = COALESCE(?, recipe_name),
				description = COALESCE(?, description),
				cooking_time = COALESCE(?, cooking_time),
				products = COALESCE(?, products),
				picture_path = COALESCE(?, picture_path),
				picture_digest = COALESCE(?, picture_digest),
				confirmed = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				optional(update.Author),
				optional(update.Name),
				optional(update.Description),
				optional(update.CookingTime),
				optional(update.Ingredients),
				newPicture,
				newDigest,
				sqliteBool(update.Confirmed),
				update.ID,
			}})
	})
	if err != nil {
		if picture, ok := newPicture.(string); ok {
			s.discardBlob(picture, "recipe update failed")
		}
		if errors.Is(err, ErrRecipeNotFound) {
			return fmt.Errorf("recipestore: recipe %d: %w", update.ID, ErrRecipeNotFound)
		}
		return fmt.Errorf("recipestore: updating recipe %d: %w", update.ID, err)
	}

	if picture, ok := newPicture.(string); ok && oldPicture != "" && oldPicture != picture {
		s.discardBlob(oldPicture, "image replaced")
	}
	s.logger.Info("recipe updated", "recipe_id", update.ID, "image_replaced", newPicture != nil)
	return nil
}

// ConfirmRecipe marks recipe id confirmed. An unknown id is not an
// error.
func (s *Store) ConfirmRecipe(ctx context.Context, id int64) error {
	return s.execWrite(ctx, "confirming recipe",
		"UPDATE recipes SET confirmed = 1 WHERE id = ?", id)
}

// DeleteRecipe removes recipe id and then its image blob. An unknown id
// is not an error.
func (s *Store) DeleteRecipe(ctx context.Context, id int64) error {
	var picture string
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		picture = ""
		err := sqlitex.Execute(conn, "SELECT picture_path FROM recipes WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					picture = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, "DELETE FROM recipes WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return fmt.Errorf("recipestore: deleting recipe %d: %w", id, err)
	}

	if picture != "" {
		s.discardBlob(picture, "recipe deleted")
	}
	return nil
}

// discardBlob removes a blob no row references any more. Failures are
// logged; the blob is then an orphan, not a dangling reference.
func (s *Store) discardBlob(name, reason string) {
	if err := s.blobs.Remove(name); err != nil {
		s.logger.Warn("removing image blob failed",
			"picture_path", name,
			"reason", reason,
			"error", err,
		)
	}
}

// optional converts a nil pointer to SQL NULL.
func optional[T any](value *T) any {
	if value == nil {
		return nil
	}
	return *value
}
