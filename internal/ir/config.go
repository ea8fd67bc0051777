package ir

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Config represents the top-level configuration decoded from a directory
// of .hcl files. Declaration order is preserved; the scheduler uses it as
// the deterministic tie-break.
type Config struct {
	Resources []*Resource
	Variables []*Variable
	Providers []*ProviderConfig
	Outputs   []*Output
	Backend   *Backend
}

// Variable is a root input declaration. Values are resolved from the
// default, then GIRDER_VAR_<name>, then --var flags, later wins.
type Variable struct {
	Name        string
	Type        cty.Type
	Default     cty.Value // cty.NilVal when no default
	Description string
	Sensitive   bool
	DeclRange   hcl.Range
}

// Output is a root output declaration, persisted into the state snapshot
// after a successful apply.
type Output struct {
	Name        string
	Value       hcl.Expression
	Description string
	Sensitive   bool
	DeclRange   hcl.Range
}

// ProviderConfig carries provider-level settings (project, region,
// credentials). Its arguments may reference variables, nothing else.
type ProviderConfig struct {
	Name      string
	Arguments map[string]hcl.Expression
	DeclRange hcl.Range
}

// Backend selects where the state snapshot lives. Attribute values are
// literal strings only.
type Backend struct {
	Type   string
	Config map[string]string
}

// ResourceByAddr returns the declaration whose address matches addr, or nil.
func (c *Config) ResourceByAddr(addr string) *Resource {
	for _, r := range c.Resources {
		if r.Addr() == addr {
			return r
		}
	}
	return nil
}
