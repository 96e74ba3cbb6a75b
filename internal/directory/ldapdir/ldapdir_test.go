package ldapdir

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"

	"github.com/derhornspieler/memberof/internal/model"
)

func TestParentFilterEscapesDN(t *testing.T) {
	l := &Lookup{cfg: Config{GroupClass: "group"}}

	tests := []struct {
		name      string
		principal model.PrincipalRef
		want      string
	}{
		{
			name:      "plain dn",
			principal: "CN=jdoe,OU=Staff,DC=example,DC=local",
			want:      "(&(objectClass=group)(member=CN=jdoe,OU=Staff,DC=example,DC=local))",
		},
		{
			name:      "parens in cn",
			principal: "CN=svc (legacy),DC=example,DC=local",
			want:      "(&(objectClass=group)(member=CN=svc \\28legacy\\29,DC=example,DC=local))",
		},
		{
			name:      "wildcard in cn",
			principal: "CN=a*b,DC=example,DC=local",
			want:      "(&(objectClass=group)(member=CN=a\\2ab,DC=example,DC=local))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.parentFilter(tt.principal))
		})
	}
}

func TestParentFilterGroupClass(t *testing.T) {
	l := &Lookup{cfg: Config{GroupClass: "groupOfNames"}}
	assert.Equal(t,
		"(&(objectClass=groupOfNames)(member=cn=x,dc=y))",
		l.parentFilter("cn=x,dc=y"),
	)
}

func TestMapEntry(t *testing.T) {
	entry := ldap.NewEntry("CN=Platform Admins,OU=Groups,DC=example,DC=local", map[string][]string{
		"cn":             {"Platform Admins"},
		"mail":           {"platform-admins@example.local"},
		"sAMAccountName": {"platform-admins"},
		"groupType":      {"-2147483646"},
	})

	rec := mapEntry(entry)
	assert.Equal(t, model.PrincipalRef("CN=Platform Admins,OU=Groups,DC=example,DC=local"), rec.Ref)
	assert.Equal(t, "Platform Admins", rec.Name)
	assert.Equal(t, "platform-admins@example.local", rec.Mail)
	assert.Equal(t, "platform-admins", rec.Attrs["sAMAccountName"])
	assert.Equal(t, "-2147483646", rec.Attrs["groupType"])
}

func TestMapEntrySparseAttributes(t *testing.T) {
	entry := ldap.NewEntry("CN=Minimal,DC=example,DC=local", map[string][]string{
		"cn": {"Minimal"},
	})

	rec := mapEntry(entry)
	assert.Equal(t, "Minimal", rec.Name)
	assert.Empty(t, rec.Mail)
	assert.Nil(t, rec.Attrs)
}
