package event

import (
	"strings"
	"sync"
)

// Class buckets event types for provenance and reporting purposes.
type Class string

const (
	ClassEntity     Class = "ENTITY"
	ClassInternal   Class = "INTERNAL"
	ClassData       Class = "DATA"
	ClassSubEntity  Class = "SUBENTITY"
	ClassDescriptor Class = "DESCRIPTOR"
)

// TypeInfo describes one entry in the open event type registry.
type TypeInfo struct {
	Name        string
	Description string
	Class       Class
}

// TypeRegistry maps event type names to their classification. The set is
// open: unknown types are accepted everywhere and default to DATA class.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]TypeInfo
}

// NewTypeRegistry returns a registry seeded with the core vocabulary.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]TypeInfo)}
	for _, ti := range coreTypes {
		r.types[ti.Name] = ti
	}
	return r
}

// Register adds or replaces a type entry.
func (r *TypeRegistry) Register(info TypeInfo) {
	if info.Name == "" {
		return
	}
	if info.Class == "" {
		info.Class = ClassData
	}
	r.mu.Lock()
	r.types[info.Name] = info
	r.mu.Unlock()
}

// Lookup returns the registry entry for a type name, if present.
func (r *TypeRegistry) Lookup(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.types[name]
	return ti, ok
}

// ClassOf returns the classification of a type, defaulting to DATA for
// unregistered names.
func (r *TypeRegistry) ClassOf(name string) Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ti, ok := r.types[name]; ok {
		return ti.Class
	}
	return ClassData
}

// IsEntity reports whether the type anchors the provenance graph.
func (r *TypeRegistry) IsEntity(name string) bool {
	c := r.ClassOf(name)
	return c == ClassEntity || c == ClassInternal
}

// All returns a copy of every registered type.
func (r *TypeRegistry) All() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeInfo, 0, len(r.types))
	for _, ti := range r.types {
		out = append(out, ti)
	}
	return out
}

// IsRisky reports whether a type name denotes a risk finding.
func IsRisky(name string) bool {
	return strings.HasPrefix(name, "MALICIOUS_")
}

// IsRaw reports whether a type name carries raw upstream payloads.
func IsRaw(name string) bool {
	return strings.HasPrefix(name, "RAW_")
}

var coreTypes = []TypeInfo{
	{Name: RootType, Description: "Scan seed", Class: ClassInternal},
	{Name: "INTERNET_NAME", Description: "Internet hostname", Class: ClassEntity},
	{Name: "DOMAIN_NAME", Description: "Domain name", Class: ClassEntity},
	{Name: "IP_ADDRESS", Description: "IPv4 address", Class: ClassEntity},
	{Name: "IPV6_ADDRESS", Description: "IPv6 address", Class: ClassEntity},
	{Name: "NETBLOCK_OWNER", Description: "Owned netblock", Class: ClassEntity},
	{Name: "NETBLOCK_MEMBER", Description: "Netblock membership", Class: ClassEntity},
	{Name: "EMAILADDR", Description: "Email address", Class: ClassEntity},
	{Name: "PHONE_NUMBER", Description: "Phone number", Class: ClassEntity},
	{Name: "HUMAN_NAME", Description: "Person name", Class: ClassEntity},
	{Name: "USERNAME", Description: "Account username", Class: ClassEntity},
	{Name: "BITCOIN_ADDRESS", Description: "Bitcoin address", Class: ClassEntity},
	{Name: "GEOINFO", Description: "Physical location", Class: ClassDescriptor},
	{Name: "WEBSERVER_BANNER", Description: "Web server banner", Class: ClassData},
	{Name: "TCP_PORT_OPEN", Description: "Open TCP port", Class: ClassSubEntity},
	{Name: "MALICIOUS_IPADDR", Description: "Malicious IP reputation", Class: ClassDescriptor},
	{Name: "MALICIOUS_INTERNET_NAME", Description: "Malicious hostname reputation", Class: ClassDescriptor},
	{Name: "RAW_RIR_DATA", Description: "Raw registry data", Class: ClassData},
	{Name: "RAW_DNS_RECORDS", Description: "Raw DNS records", Class: ClassData},
}
