package eval

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/girder-io/girder/internal/ir"
)

// Scope roots that never name a resource type.
var reservedRoots = map[string]bool{
	"var":   true,
	"each":  true,
	"count": true,
}

// Reference is a resource reference extracted from an expression
// traversal. Subject is "type.name", or the instance form
// `type.name["key"]` / "type.name[0]" when the traversal indexes into an
// expanded resource.
type Reference struct {
	Subject string
	Range   hcl.Range
}

// parseRef interprets one traversal as a resource reference. Traversals
// rooted at a reserved scope name are not references. A bare unknown root
// is still returned so the graph builder can reject it as unresolved.
func parseRef(traversal hcl.Traversal) (*Reference, bool) {
	root := traversal.RootName()
	if reservedRoots[root] {
		return nil, false
	}
	if len(traversal) < 2 {
		return &Reference{Subject: root, Range: traversal.SourceRange()}, true
	}
	attr, ok := traversal[1].(hcl.TraverseAttr)
	if !ok {
		return &Reference{Subject: root, Range: traversal.SourceRange()}, true
	}
	subject := root + "." + attr.Name
	if len(traversal) > 2 {
		if idx, ok := traversal[2].(hcl.TraverseIndex); ok {
			switch idx.Key.Type() {
			case cty.String:
				subject = fmt.Sprintf("%s[%q]", subject, idx.Key.AsString())
			case cty.Number:
				n, _ := idx.Key.AsBigFloat().Int64()
				subject = fmt.Sprintf("%s[%d]", subject, n)
			}
		}
	}
	return &Reference{Subject: subject, Range: traversal.SourceRange()}, true
}

// References returns every resource reference made by the instance: the
// traversals in its argument expressions plus its explicit depends_on
// entries. Order is deterministic.
func References(r *ir.Resource) []*Reference {
	names := make([]string, 0, len(r.Arguments))
	for name := range r.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	var refs []*Reference
	for _, name := range names {
		for _, traversal := range r.Arguments[name].Variables() {
			if ref, ok := parseRef(traversal); ok {
				refs = append(refs, ref)
			}
		}
	}
	for _, dep := range r.DependsOn {
		refs = append(refs, &Reference{Subject: dep, Range: r.DeclRange})
	}
	return refs
}
