package catalog

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// Selection is the shopper's color and size choice. Empty fields are not
// selected.
type Selection struct {
	ColorID string
	SizeID  string
}

// Empty reports whether neither axis was selected.
func (s Selection) Empty() bool {
	return s.ColorID == "" && s.SizeID == ""
}

// Normalize trims surrounding whitespace from both selectors.
func (s Selection) Normalize() Selection {
	return Selection{
		ColorID: strings.TrimSpace(s.ColorID),
		SizeID:  strings.TrimSpace(s.SizeID),
	}
}

// Resolve picks zero or one variant of p for the selection. Only active
// variants are considered. It returns nil without error for products that
// have no variants.
func Resolve(p *Product, variants []Variant, sel Selection) (*Variant, error) {
	sel = sel.Normalize()
	if !p.HasVariants {
		if !sel.Empty() {
			return nil, ErrInvalidSelection
		}
		return nil, nil
	}

	var match func(v *Variant) bool
	switch {
	case sel.ColorID != "" && sel.SizeID != "":
		match = func(v *Variant) bool { return v.ColorID == sel.ColorID && v.SizeID == sel.SizeID }
	case sel.ColorID != "":
		// The other axis must be absent, not "any": several sizes of one
		// color would otherwise make the pick arbitrary.
		match = func(v *Variant) bool { return v.ColorID == sel.ColorID && v.SizeID == "" }
	case sel.SizeID != "":
		match = func(v *Variant) bool { return v.SizeID == sel.SizeID && v.ColorID == "" }
	default:
		match = func(v *Variant) bool { return v.IsDefault }
	}

	var found *Variant
	for i := range variants {
		v := &variants[i]
		if v.ProductID != p.ID || !v.Active() || !match(v) {
			continue
		}
		if found == nil || v.ID < found.ID {
			found = v
		}
	}
	if found == nil {
		if sel.Empty() {
			return nil, ErrNoDefaultVariant
		}
		return nil, ErrVariantNotFound
	}

	out := *found
	return &out, nil
}

// Resolver resolves selections against variants loaded from a Provider.
type Resolver struct {
	catalog Provider
}

// NewResolver creates a Resolver reading variants from the given provider.
func NewResolver(catalog Provider) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve loads the variants of p and applies Resolve to them.
func (r *Resolver) Resolve(ctx context.Context, p *Product, sel Selection) (*Variant, error) {
	if !p.HasVariants {
		return Resolve(p, nil, sel)
	}
	variants, err := r.catalog.ListVariants(ctx, p.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "list variants of %s", p.ID)
	}
	return Resolve(p, variants, sel)
}
