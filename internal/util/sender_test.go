package util

import "testing"

func TestNormalizeSender(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`Name <User@Example.COM>`, "user@example.com"},
		{`"Name" <user+news@Example.com>`, "user@example.com"},
		{`user+tag@EXAMPLE.com`, "user@example.com"},
		{`user.name+tag@EXAMPLE.com`, "user.name@example.com"},
		{`bad address`, ""},
		{`"A" <not-an-email> , "B" <c@D.com>`, "c@d.com"},
		{``, ""},
	}
	for _, tc := range tests {
		if got := NormalizeSender(tc.in); got != tc.want {
			t.Errorf("NormalizeSender(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		from, norm, want string
	}{
		{`Twitter <notify@twitter.com>`, "notify@twitter.com", "Twitter"},
		{`"Acme Billing" <bills@acme.io>`, "bills@acme.io", "Acme Billing"},
		{`jane.doe@example.com`, "jane.doe@example.com", "Jane Doe"},
		{`bad address`, "", ""},
	}
	for _, tc := range tests {
		if got := DisplayName(tc.from, tc.norm); got != tc.want {
			t.Errorf("DisplayName(%q) = %q; want %q", tc.from, got, tc.want)
		}
	}
}
