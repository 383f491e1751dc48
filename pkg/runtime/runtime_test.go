package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay-go/internal/config"
)

type thing struct {
	Base
	Name string
}

func (x *thing) FromFields(fields map[string]interface{}) error {
	x.Name, _ = fields["name"].(string)
	return nil
}

func (x *thing) Fields() map[string]interface{} {
	return map[string]interface{}{"name": x.Name}
}

func testConfig() *config.Config {
	return &config.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthTokenURL: "http://127.0.0.1:1/token",
		GRPCEndpoint: "127.0.0.1:1",
		OpsAddr:      "127.0.0.1:0",

		ProcessorConcurrency: 2,
		CriterionConcurrency: 2,
		InboundQueueDepth:    2,
		OutboxCapacity:       8,

		KeepaliveInterval:       time.Second,
		HandshakeTimeout:        100 * time.Millisecond,
		ProcessorDefaultTimeout: time.Second,
		CriterionDefaultTimeout: time.Second,
		ReconnectBackoffMin:     10 * time.Millisecond,
		ReconnectBackoffMax:     50 * time.Millisecond,
		DrainTimeout:            time.Second,
	}
}

func testDescriptor() *Descriptor {
	return &Descriptor{
		ModelName:    "Thing",
		ModelVersion: 1,
		Schema:       []Field{{Name: "name"}},
		New:          func() Entity { return &thing{} },
	}
}

func TestRegistrationWiring(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)

	d := testDescriptor()
	require.NoError(t, rt.RegisterModel(d))
	require.Error(t, rt.RegisterModel(d), "duplicate model must be rejected")

	require.NoError(t, rt.RegisterProcessor("Touch", 1, d, func(ctx context.Context, e Entity) (Entity, error) {
		return e, nil
	}))
	require.NoError(t, rt.RegisterCriterion("Named", 1, d, func(ctx context.Context, e Entity) (bool, error) {
		return e.(*thing).Name != "", nil
	}))

	assert.Nil(t, rt.Entities(), "no entity API configured")
	assert.NotNil(t, rt.Bus())
}

func TestEntityClientEnabledByConfig(t *testing.T) {
	cfg := testConfig()
	cfg.EntityAPIURL = "http://127.0.0.1:1"

	rt, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, rt.Entities())
}

func TestRunStopsOnCancel(t *testing.T) {
	// Tokens are issued locally but the platform endpoint is
	// unreachable; the supervisor keeps retrying with backoff until the
	// context ends, which must come back as a clean shutdown.
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
	}))
	defer tokens.Close()

	cfg := testConfig()
	cfg.AuthTokenURL = tokens.URL
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.RegisterModel(testDescriptor()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, rt.Run(ctx))
}
