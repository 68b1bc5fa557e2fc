package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTargetValidation(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		targetType TargetType
		wantErr    bool
	}{
		{"valid domain", "example.com", TargetInternetName, false},
		{"valid ip", "192.0.2.1", TargetIPAddress, false},
		{"valid ipv6", "2001:db8::1", TargetIPv6Address, false},
		{"valid netblock", "192.0.2.0/24", TargetNetblockOwner, false},
		{"valid email", "user@example.com", TargetEmailAddr, false},
		{"empty value", "", TargetInternetName, true},
		{"bad ip", "not-an-ip", TargetIPAddress, true},
		{"bad cidr", "192.0.2.0", TargetNetblockOwner, true},
		{"unknown type", "x", TargetType("BOGUS"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTarget(tt.value, tt.targetType)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTargetAliasMatch(t *testing.T) {
	target, err := NewTarget("example.com", TargetInternetName)
	require.NoError(t, err)

	target.AddAlias(TargetIPAddress, "192.0.2.7")
	target.AddAlias(TargetIPAddress, "192.0.2.7") // duplicate ignored

	assert.Len(t, target.Aliases(), 1)
	assert.True(t, target.Matches("example.com"))
	assert.True(t, target.Matches("EXAMPLE.COM"))
	assert.True(t, target.Matches("192.0.2.7"))
	assert.False(t, target.Matches("192.0.2.8"))
	assert.False(t, target.Matches(""))
}

func TestTargetNetblockContainment(t *testing.T) {
	target, err := NewTarget("192.0.2.0/24", TargetNetblockOwner)
	require.NoError(t, err)

	assert.True(t, target.Matches("192.0.2.200"))
	assert.False(t, target.Matches("198.51.100.1"))
	assert.False(t, target.Matches("not-an-ip"))
}

func TestTargetDomainInclusionFlags(t *testing.T) {
	target, err := NewTarget("sub.example.com", TargetInternetName)
	require.NoError(t, err)

	// Neither flag: only exact matches.
	assert.False(t, target.Matches("deep.sub.example.com"))
	assert.False(t, target.Matches("example.com"))

	target.IncludeChildren = true
	assert.True(t, target.Matches("deep.sub.example.com"))
	assert.False(t, target.Matches("example.com"))

	target.IncludeParents = true
	assert.True(t, target.Matches("example.com"))
	assert.False(t, target.Matches("other.com"))
}

func TestTargetAliasNetblockScope(t *testing.T) {
	target, _ := NewTarget("example.com", TargetInternetName)
	target.AddAlias(TargetNetblockMember, "198.51.100.0/25")

	assert.True(t, target.Matches("198.51.100.9"))
	assert.False(t, target.Matches("198.51.100.200"))
}

func TestTypeRegistry(t *testing.T) {
	reg := NewTypeRegistry()

	assert.Equal(t, ClassEntity, reg.ClassOf("IP_ADDRESS"))
	assert.Equal(t, ClassInternal, reg.ClassOf(RootType))
	assert.Equal(t, ClassData, reg.ClassOf("SOMETHING_NEW"))
	assert.True(t, reg.IsEntity("DOMAIN_NAME"))
	assert.False(t, reg.IsEntity("WEBSERVER_BANNER"))

	reg.Register(TypeInfo{Name: "CUSTOM_FINDING", Class: ClassDescriptor})
	ti, ok := reg.Lookup("CUSTOM_FINDING")
	require.True(t, ok)
	assert.Equal(t, ClassDescriptor, ti.Class)

	// Missing class defaults to DATA.
	reg.Register(TypeInfo{Name: "UNTYPED"})
	assert.Equal(t, ClassData, reg.ClassOf("UNTYPED"))
}

func TestRiskyAndRawHelpers(t *testing.T) {
	assert.True(t, IsRisky("MALICIOUS_IPADDR"))
	assert.False(t, IsRisky("IP_ADDRESS"))
	assert.True(t, IsRaw("RAW_RIR_DATA"))
	assert.False(t, IsRaw("DOMAIN_NAME"))
}
