package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bilidown/bilidown/internal/config"
	"github.com/sirupsen/logrus"
)

// CategoriesHandler exposes the read-only category table
type CategoriesHandler struct {
	categories *config.CategoryTable
	logger     *logrus.Logger
}

// NewCategoriesHandler creates a new categories handler
func NewCategoriesHandler(categories *config.CategoryTable, logger *logrus.Logger) *CategoriesHandler {
	return &CategoriesHandler{categories: categories, logger: logger}
}

func (h *CategoriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	var out []entry
	for _, name := range h.categories.Names() {
		path, _ := h.categories.Path(name)
		out = append(out, entry{Name: name, Path: path})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
