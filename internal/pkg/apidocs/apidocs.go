package apidocs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
)

// DefaultPath is the OpenAPI document relative to the working directory.
const DefaultPath = "public/docs/v1/openapi.yml"

// DocumentedPrefixes are the route trees the document must cover.
var DocumentedPrefixes = []string{"/api/v1/", "/admin/api/", "/webhooks/"}

var routeParam = regexp.MustCompile(`:(\w+)`)

// Load parses and validates the OpenAPI document at path.
func Load(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load api document %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid api document %s: %w", path, err)
	}
	return doc, nil
}

// Undocumented returns "METHOD /path" for every route below one of the
// prefixes that has no matching operation in doc.
func Undocumented(doc *openapi3.T, routes []fiber.Route, prefixes ...string) []string {
	seen := map[string]bool{}
	var missing []string
	for _, r := range routes {
		if r.Method == fiber.MethodHead || !hasAnyPrefix(r.Path, prefixes) {
			continue
		}
		key := r.Method + " " + r.Path
		if seen[key] {
			continue
		}
		seen[key] = true

		item := doc.Paths.Value(routeParam.ReplaceAllString(r.Path, "{$1}"))
		if item == nil || item.GetOperation(r.Method) == nil {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// Mount serves the swagger UI for the document under /docs/api/v1.
func Mount(app *fiber.App, path string) {
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: path,
		Path:     "v1",
		Title:    "PayFox API",
	}))
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
