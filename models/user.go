package models

import "slices"

// User carries only what routing needs.
type User struct {
	ID               string   `json:"id"`
	JoinedCategories []string `json:"joined_categories"`
}

func (u User) Joined(categoryID string) bool {
	return slices.Contains(u.JoinedCategories, categoryID)
}
