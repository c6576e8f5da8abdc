package repository

import "context"

// Namespace scopes record identifiers by entity type
type Namespace string

const (
	NamespaceJobs     Namespace = "jobs"
	NamespaceStations Namespace = "stations"
	NamespaceTrains   Namespace = "trains"
	NamespaceMemory   Namespace = "memory"
	NamespaceCPU      Namespace = "cpu"
	NamespaceNetwork  Namespace = "network"
)

// Attributes are the predicate/object statements of one subject
type Attributes map[string]string

// Record is a subject with its attributes
type Record struct {
	ID    string
	Attrs Attributes
}

// Store is the persistence substrate: keyed records with attribute maps
// plus named ordered lists of strings.
//
// Insert fails with AlreadyExists, Get/Patch/Delete fail with NotFound.
// Patch sets only the given keys and is applied atomically. List returns
// records in insertion order; an offset past the end yields an empty page
// and a limit <= 0 means no limit.
type Store interface {
	Insert(ctx context.Context, ns Namespace, id string, attrs Attributes) error
	Get(ctx context.Context, ns Namespace, id string) (Attributes, error)
	Patch(ctx context.Context, ns Namespace, id string, attrs Attributes) error
	Delete(ctx context.Context, ns Namespace, id string) error
	List(ctx context.Context, ns Namespace, offset, limit int) ([]Record, error)
	Count(ctx context.Context, ns Namespace) (int, error)

	ListAppend(ctx context.Context, list, item string) error
	ListItems(ctx context.Context, list string) ([]string, error)
	// ListRemove removes the first occurrence of item and reports whether it was present
	ListRemove(ctx context.Context, list, item string) (bool, error)
	ListLen(ctx context.Context, list string) (int, error)
	// ListClear empties the list and returns the removed items in order
	ListClear(ctx context.Context, list string) ([]string, error)

	Close() error
}

func copyAttrs(in Attributes) Attributes {
	out := make(Attributes, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sparse drops empty values so a patch leaves those fields untouched
func sparse(attrs Attributes) Attributes {
	out := make(Attributes, len(attrs))
	for k, v := range attrs {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
