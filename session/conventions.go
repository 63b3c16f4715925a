package session

import (
	"reflect"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/signadot/docsession/api"
)

// Conventions decide how entities map to collections and ids.
type Conventions struct {
	// IdentitySeparator joins the collection prefix and the unique part of
	// generated ids.
	IdentitySeparator string
	// FindCollectionName returns the collection of an entity.
	FindCollectionName func(entity any) string
	// GenerateID returns a new id for an entity of the given collection.
	GenerateID func(collection string, entity any) (string, error)
}

// DefaultConventions returns the default conventions: collections named
// after the pluralized entity type, ids made of the lower-cased collection
// and a ULID.
func DefaultConventions() *Conventions {
	c := &Conventions{IdentitySeparator: "/"}
	c.FindCollectionName = DefaultCollectionName
	c.GenerateID = func(collection string, _ any) (string, error) {
		if collection == api.EmptyCollection {
			return ulid.Make().String(), nil
		}
		return strings.ToLower(collection) + c.IdentitySeparator + ulid.Make().String(), nil
	}
	return c
}

// DefaultCollectionName pluralizes the entity's type name. Maps and other
// unnamed types belong to the empty collection.
func DefaultCollectionName(entity any) string {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" || t.Kind() == reflect.Map {
		return api.EmptyCollection
	}
	return pluralize(t.Name())
}

func pluralize(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "y") && len(lower) > 1 && !strings.ContainsRune("aeiou", rune(lower[len(lower)-2])):
		return name[:len(name)-1] + "ies"
	case strings.HasSuffix(lower, "s"), strings.HasSuffix(lower, "x"), strings.HasSuffix(lower, "z"),
		strings.HasSuffix(lower, "ch"), strings.HasSuffix(lower, "sh"):
		return name + "es"
	}
	return name + "s"
}
