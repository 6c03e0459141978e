package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchHeartbeat(t *testing.T) {
	hb := NewHeartbeat("s1", ClassBackbone, "addr-1", map[string]string{"link-1": "h1"})
	body, err := json.Marshal(hb)
	require.NoError(t, err)

	var got Heartbeat
	err = DispatchMessage(body,
		func(h Heartbeat) error { got = h; return nil },
		func(GetRequest) error { t.Fatal("unexpected get"); return nil },
		func(ClaimRequest) error { t.Fatal("unexpected claim"); return nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Site)
	assert.Equal(t, ClassBackbone, got.Class)
	assert.Equal(t, map[string]string{"link-1": "h1"}, got.HashSet)
}

func TestDispatchBeaconHasNoHashSet(t *testing.T) {
	// 无 hashset 的心跳是纯信标
	body, err := json.Marshal(NewHeartbeat("s1", ClassMember, "addr", nil))
	require.NoError(t, err)

	err = DispatchMessage(body,
		func(h Heartbeat) error {
			assert.Nil(t, h.HashSet)
			return nil
		},
		func(GetRequest) error { return nil },
		func(ClaimRequest) error { return nil },
	)
	require.NoError(t, err)
}

func TestDispatchGetAndClaim(t *testing.T) {
	body, _ := json.Marshal(NewGetRequest("s1", "tls-site-abc"))
	err := DispatchMessage(body,
		func(Heartbeat) error { t.Fatal("unexpected heartbeat"); return nil },
		func(g GetRequest) error {
			assert.Equal(t, "tls-site-abc", g.StateKey)
			return nil
		},
		func(ClaimRequest) error { t.Fatal("unexpected claim"); return nil },
	)
	require.NoError(t, err)

	body, _ = json.Marshal(NewClaimRequest("inv1", "m-1"))
	err = DispatchMessage(body,
		func(Heartbeat) error { return nil },
		func(GetRequest) error { return nil },
		func(c ClaimRequest) error {
			assert.Equal(t, "inv1", c.Claim)
			assert.Equal(t, "m-1", c.Name)
			return nil
		},
	)
	require.NoError(t, err)
}

func TestDispatchUnknownOp(t *testing.T) {
	err := DispatchMessage([]byte(`{"version":1,"op":"NOPE"}`),
		func(Heartbeat) error { return nil },
		func(GetRequest) error { return nil },
		func(ClaimRequest) error { return nil },
	)
	assert.True(t, errors.Is(err, ErrUnknownOp))
}

func TestDispatchBadVersion(t *testing.T) {
	err := DispatchMessage([]byte(`{"version":2,"op":"HB"}`),
		func(Heartbeat) error { return nil },
		func(GetRequest) error { return nil },
		func(ClaimRequest) error { return nil },
	)
	assert.True(t, errors.Is(err, ErrBadVersion))
}
