package engine

import (
	"net"
	"strings"

	"github.com/netrecon/sweeper/internal/event"
	"github.com/netrecon/sweeper/internal/module"
)

// DefaultRegistry returns the module catalog shipped with the engine:
// pure derivation modules that expand the seed into its obvious related
// identities without touching the network.
func DefaultRegistry() *module.Registry {
	r := module.NewRegistry()
	_ = r.Register("sfp_seed", func() module.Module { return &seedModule{} })
	_ = r.Register("sfp_domain", func() module.Module { return &domainModule{} })
	_ = r.Register("sfp_contacts", func() module.Module { return &contactsModule{} })
	return r
}

// seedModule turns the root event into the first typed entity.
type seedModule struct {
	handle module.EngineHandle
}

func (m *seedModule) Describe() module.Descriptor {
	return module.Descriptor{
		Name:        "sfp_seed",
		Description: "Converts the scan seed into its typed entity event",
		Consumes:    []string{event.RootType},
		Produces:    []string{"INTERNET_NAME", "IP_ADDRESS", "IPV6_ADDRESS", "EMAILADDR"},
		Priority:    100,
	}
}

func (m *seedModule) Setup(handle module.EngineHandle) error {
	m.handle = handle
	return nil
}

func (m *seedModule) HandleEvent(ev *event.Event) error {
	if !ev.IsRoot() || m.handle.CheckForStop() {
		return nil
	}

	eventType := "INTERNET_NAME"
	switch m.handle.Target().Type {
	case event.TargetIPAddress:
		eventType = "IP_ADDRESS"
	case event.TargetIPv6Address:
		eventType = "IPV6_ADDRESS"
	case event.TargetEmailAddr:
		eventType = "EMAILADDR"
	}

	child, err := event.New(eventType, ev.Data, "sfp_seed", ev)
	if err != nil {
		return err
	}
	return m.handle.Emit(child)
}

func (m *seedModule) Close() error { return nil }

// domainModule derives the registered domain from internet names.
type domainModule struct {
	handle module.EngineHandle
}

func (m *domainModule) Describe() module.Descriptor {
	return module.Descriptor{
		Name:        "sfp_domain",
		Description: "Derives the registered domain from internet names",
		Consumes:    []string{"INTERNET_NAME"},
		Produces:    []string{"DOMAIN_NAME"},
		Priority:    50,
	}
}

func (m *domainModule) Setup(handle module.EngineHandle) error {
	m.handle = handle
	return nil
}

func (m *domainModule) HandleEvent(ev *event.Event) error {
	if m.handle.CheckForStop() {
		return nil
	}
	if net.ParseIP(ev.Data) != nil {
		return nil
	}

	labels := strings.Split(strings.ToLower(strings.TrimSuffix(ev.Data, ".")), ".")
	if len(labels) < 2 {
		return nil
	}
	domain := strings.Join(labels[len(labels)-2:], ".")

	child, err := event.New("DOMAIN_NAME", domain, "sfp_domain", ev)
	if err != nil {
		return err
	}
	return m.handle.Emit(child)
}

func (m *domainModule) Close() error { return nil }

// contactsModule derives the conventional contact addresses of a domain.
type contactsModule struct {
	handle module.EngineHandle
}

func (m *contactsModule) Describe() module.Descriptor {
	return module.Descriptor{
		Name:        "sfp_contacts",
		Description: "Derives conventional contact addresses for a domain",
		Consumes:    []string{"DOMAIN_NAME"},
		Produces:    []string{"EMAILADDR"},
		Priority:    10,
	}
}

func (m *contactsModule) Setup(handle module.EngineHandle) error {
	m.handle = handle
	return nil
}

var contactLocalParts = []string{"hostmaster", "webmaster"}

func (m *contactsModule) HandleEvent(ev *event.Event) error {
	if m.handle.CheckForStop() {
		return nil
	}
	for _, local := range contactLocalParts {
		child, err := event.New("EMAILADDR", local+"@"+ev.Data, "sfp_contacts", ev)
		if err != nil {
			return err
		}
		if err := m.handle.Emit(child); err != nil {
			return err
		}
	}
	return nil
}

func (m *contactsModule) Close() error { return nil }
