package replicator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusNone:        "None",
		StatusElected:     "Elected",
		StatusEstablished: "Established",
		StatusSwappingOut: "SwappingOut",
		StatusRetained:    "Retained",
		Status(99):        "Unknown",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
}
