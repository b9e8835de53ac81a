package main

import (
	"testing"

	"github.com/guseggert/sshmux/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port protocol.Port
	}{
		{"db:5432", "db", 5432},
		{"[fe80::1]:22", "fe80::1", 22},
		{"/run/app.sock", "/run/app.sock", protocol.PortStreamLocal},
	}
	for _, c := range cases {
		host, port, err := parseTarget(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.host, host, c.in)
		assert.Equal(t, c.port, port, c.in)
	}

	for _, bad := range []string{"db", "db:http", "db:70000"} {
		_, _, err := parseTarget(bad)
		assert.Error(t, err, bad)
	}
}
