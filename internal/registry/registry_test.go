package registry

import (
	"context"
	"testing"

	"github.com/halyard/stackgraph/internal/errs"
)

func noopHandler(ctx context.Context, params map[string]any) (any, error) {
	return nil, nil
}

func TestRegister(t *testing.T) {
	r := New()

	t.Run("requires kind", func(t *testing.T) {
		err := r.Register(Descriptor{Handler: noopHandler})
		if errs.KindOf(err) != errs.KindBadRequest {
			t.Fatalf("kind = %v, want bad_request", errs.KindOf(err))
		}
	})

	t.Run("requires handler", func(t *testing.T) {
		err := r.Register(Descriptor{Kind: "workflow"})
		if errs.KindOf(err) != errs.KindBadRequest {
			t.Fatalf("kind = %v, want bad_request", errs.KindOf(err))
		}
	})

	t.Run("register and get", func(t *testing.T) {
		if err := r.Register(Descriptor{Kind: "workflow", Description: "runs workflows", Handler: noopHandler}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		d, err := r.Get("workflow")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if d.Description != "runs workflows" {
			t.Fatalf("description = %q", d.Description)
		}
		if !r.Known("workflow") {
			t.Fatal("Known(workflow) = false")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := r.Get("nope")
		if errs.KindOf(err) != errs.KindNotFound {
			t.Fatalf("kind = %v, want not_found", errs.KindOf(err))
		}
	})

	t.Run("replace keeps one entry", func(t *testing.T) {
		if err := r.Register(Descriptor{Kind: "workflow", Description: "v2", Handler: noopHandler}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		d, _ := r.Get("workflow")
		if d.Description != "v2" {
			t.Fatalf("description = %q, want v2", d.Description)
		}
	})
}

func TestKindsAndCatalogSorted(t *testing.T) {
	r := New()
	for _, kind := range []string{"notes", "container", "workflow"} {
		if err := r.Register(Descriptor{Kind: kind, Handler: noopHandler}); err != nil {
			t.Fatalf("Register(%s): %v", kind, err)
		}
	}

	kinds := r.Kinds()
	want := []string{"container", "notes", "workflow"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("Kinds()[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}

	catalog := r.Catalog()
	if len(catalog) != 3 || catalog[0].Kind != "container" || catalog[2].Kind != "workflow" {
		t.Fatalf("Catalog order wrong: %+v", catalog)
	}
}
