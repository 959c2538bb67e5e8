package internal

import (
	"sort"

	"github.com/deckarep/golang-set"
)

type Capability string

const (
	PrivateStorage Capability = "private-storage"
	ShareURLs      Capability = "share-url"
	TableExport    Capability = "table-export"
)

// Capabilities is the set of optional features a provider supports.
type Capabilities struct {
	set mapset.Set
}

func NewCapabilities(caps ...Capability) Capabilities {
	s := mapset.NewSet()
	for _, c := range caps {
		s.Add(c)
	}
	return Capabilities{set: s}
}

func (c Capabilities) Has(capability Capability) bool {
	return c.set != nil && c.set.Contains(capability)
}

func (c Capabilities) Strings() []string {
	if c.set == nil {
		return []string{}
	}
	list := []string{}
	for _, v := range c.set.ToSlice() {
		list = append(list, string(v.(Capability)))
	}
	sort.Strings(list)
	return list
}
