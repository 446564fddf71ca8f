// Package scope composes the domains visible at a graph position into one
// layered namespace with merged handlers and providers.
package scope

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/provision"
)

var (
	// ErrDomainNameRequired indicates a domain without a name.
	ErrDomainNameRequired = errors.New("domain name is required")
	// ErrDomainNotFound indicates a reference to an undefined domain.
	ErrDomainNotFound = errors.New("domain not found")
)

// GlobalDomain names the implicit domain visible everywhere.
const GlobalDomain = "global"

// Kind says how a domain became visible.
type Kind string

const (
	KindLocal     Kind = "local"
	KindAncestor  Kind = "ancestor"
	KindAffiliate Kind = "affiliate"
	KindType      Kind = "type"
	KindGlobal    Kind = "global"
)

// DiscoveryFunc opts a node into type domains beyond its declared classes.
type DiscoveryFunc func(n graph.Node) []string

// Domain is a named bundle of vars, handlers and providers.
type Domain struct {
	name      string
	catalog   *Catalog
	vars      map[string]any
	handlers  *dispatch.Registry
	providers []provision.Registered
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Set defines a var.
func (d *Domain) Set(key string, value any) {
	d.vars[key] = value
	d.catalog.version++
}

// Vars returns a copy of the domain vars.
func (d *Domain) Vars() map[string]any { return maps.Clone(d.vars) }

// Handle registers a handler.
func (d *Domain) Handle(h dispatch.Handler) error {
	if _, err := d.handlers.Register(h); err != nil {
		return fmt.Errorf("domain %s: %w", d.name, err)
	}
	d.catalog.version++
	return nil
}

// Provide registers provisioning providers.
func (d *Domain) Provide(providers ...provision.Provider) error {
	for _, p := range providers {
		reg, err := provision.Register(d.catalog.seq, p)
		if err != nil {
			return fmt.Errorf("domain %s: %w", d.name, err)
		}
		d.providers = append(d.providers, reg)
	}
	d.catalog.version++
	return nil
}

// Handlers returns the domain's handlers in registration order.
func (d *Domain) Handlers() []dispatch.Handler { return d.handlers.Handlers() }

// Providers returns the domain's providers in registration order.
func (d *Domain) Providers() []provision.Registered {
	return append([]provision.Registered(nil), d.providers...)
}

// Catalog owns every domain and how each attaches to the graph. Handlers and
// providers of all domains share one registration sequence.
type Catalog struct {
	seq        *dispatch.Sequence
	version    uint64
	domains    map[string]*Domain
	attached   map[string][]string
	affiliates map[string][]string
	types      map[string][]string
	discovery  []DiscoveryFunc
}

// NewCatalog creates a catalog whose global domain carries the built-in
// providers.
func NewCatalog() *Catalog {
	c := &Catalog{
		seq:        &dispatch.Sequence{},
		domains:    make(map[string]*Domain),
		attached:   make(map[string][]string),
		affiliates: make(map[string][]string),
		types:      make(map[string][]string),
	}
	if err := c.Global().Provide(provision.Builtins()...); err != nil {
		panic(fmt.Sprintf("scope: register builtin providers: %v", err))
	}
	return c
}

// Sequence returns the shared registration sequence.
func (c *Catalog) Sequence() *dispatch.Sequence { return c.seq }

// Version changes whenever domain content or membership changes.
func (c *Catalog) Version() uint64 { return c.version }

// Domain returns the named domain, creating it on first use.
func (c *Catalog) Domain(name string) (*Domain, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrDomainNameRequired
	}
	if d, ok := c.domains[name]; ok {
		return d, nil
	}
	d := &Domain{
		name:     name,
		catalog:  c,
		vars:     make(map[string]any),
		handlers: dispatch.NewRegistry(c.seq),
	}
	c.domains[name] = d
	c.version++
	return d, nil
}

// Global returns the implicit global domain.
func (c *Catalog) Global() *Domain {
	d, _ := c.Domain(GlobalDomain)
	return d
}

// Attach makes a domain structural for nodeID and everything under it.
func (c *Catalog) Attach(nodeID, name string) error {
	return c.bind(c.attached, nodeID, name)
}

// Affiliate makes a domain visible to nodes carrying tag.
func (c *Catalog) Affiliate(tag, name string) error {
	return c.bind(c.affiliates, tag, name)
}

// Type makes a domain visible to nodes of class.
func (c *Catalog) Type(class, name string) error {
	return c.bind(c.types, class, name)
}

// Discover registers a function contributing classes for a node.
func (c *Catalog) Discover(fn DiscoveryFunc) {
	c.discovery = append(c.discovery, fn)
	c.version++
}

func (c *Catalog) bind(index map[string][]string, key, name string) error {
	if _, ok := c.domains[name]; !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, name)
	}
	for _, existing := range index[key] {
		if existing == name {
			return nil
		}
	}
	index[key] = append(index[key], name)
	c.version++
	return nil
}

// classes returns the declared classes of n followed by discovered ones.
func (c *Catalog) classes(n graph.Node) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(class string) {
		if _, ok := seen[class]; ok || class == "" {
			return
		}
		seen[class] = struct{}{}
		out = append(out, class)
	}
	for _, class := range n.Classes {
		add(class)
	}
	for _, fn := range c.discovery {
		for _, class := range fn(n) {
			add(class)
		}
	}
	return out
}
