package cell

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
)

// IDField is the well-known property name a document can carry to opt an
// array element into identity-preserving reuse: when a recipe rewrites
// an array and an element's IDField value matches a previously-seen
// sibling at the same structural position, that sibling's entity id is
// reused instead of minting a new one, so links other documents hold
// into that element keep resolving: reordering or patching an
// ID-tagged array must not orphan existing references.
const IDField = "[ID]"

// DeriveEntityID computes the stable entity id for a nested object
// addressed by p under parentEntity, given the value of its IDField.
// Array index segments are excluded from the structural key: an
// element identified by the same idValue at the same named path keeps
// its identity regardless of which index it currently occupies, which
// is what lets array reordering and mid-array insertion/removal reuse
// identity instead of reassigning it to every following element.
func DeriveEntityID(parentEntity string, p path.Path, idValue string) string {
	var b strings.Builder
	b.WriteString(parentEntity)
	for _, seg := range p {
		if seg.IsIndex() {
			continue
		}
		b.WriteByte('/')
		b.WriteString(seg.StringValue())
	}
	b.WriteByte('#')
	b.WriteString(idValue)
	return fact.DigestBytes("entity-identity", []byte(b.String()))
}

// IDFieldValue reads the IDField of a decoded JSON value, returning
// ("", false) when v isn't an object or carries no IDField entry.
func IDFieldValue(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := obj[IDField]
	if !ok {
		return "", false
	}
	switch id := raw.(type) {
	case string:
		return id, true
	default:
		return "", false
	}
}

// normalizeIdentities walks value — the tree about to be written at p
// inside entity — turning every array element that carries IDField into
// a link to a separate, independently-addressable child entity. The
// child's id is derived from DeriveEntityID(entity, arrayPath, idValue),
// a pure function of the array's own location and the element's id value,
// so writing the same id at the same array location on a later Set
// resolves to the same entity every time: the child's CommitDocument call
// below lands on that entity's existing fact lineage (via the normal
// Cause-chain in CommitDocument) rather than minting a new one, which is
// what lets array reorders and rewrites reuse identity instead of
// orphaning the links other documents hold into that element.
//
// Nested arrays inside an ID-tagged element are normalized relative to
// the child entity's own root (path.Path{}), since each such element is
// now its own document; nested arrays anywhere else continue relative to
// entity at their structural sub-path of p.
func normalizeIdentities(ctx context.Context, rt *runtime.Runtime, space, entity, branchName string, p path.Path, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			normalized, err := normalizeIdentities(ctx, rt, space, entity, branchName, p.Child(path.Key(k)), child)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			idValue, ok := IDFieldValue(elem)
			if !ok {
				normalized, err := normalizeIdentities(ctx, rt, space, entity, branchName, p.Child(path.Index(i)), elem)
				if err != nil {
					return nil, err
				}
				out[i] = normalized
				continue
			}

			childEntity := DeriveEntityID(entity, p, idValue)
			body, err := normalizeIdentities(ctx, rt, space, childEntity, branchName, path.Path{}, elem)
			if err != nil {
				return nil, err
			}
			current, err := LoadDocument(ctx, rt, space, childEntity, branchName)
			if err != nil {
				return nil, fmt.Errorf("load identity element %s: %w", childEntity, err)
			}
			if !reflect.DeepEqual(current, body) {
				if err := CommitDocument(ctx, rt, space, childEntity, branchName, body); err != nil {
					return nil, fmt.Errorf("commit identity element %s: %w", childEntity, err)
				}
			}
			out[i] = path.Link{ID: childEntity, Path: path.Path{}}.ToValue()
		}
		return out, nil

	default:
		return value, nil
	}
}
