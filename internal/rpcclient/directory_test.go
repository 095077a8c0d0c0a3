package rpcclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClientUnknownTask(t *testing.T) {
	d := NewDirectory(map[string]string{})
	_, err := d.GetClient("/job:worker/replica:0/task:0")
	assert.Error(t, err)
}

func TestGetClientDialsLazily(t *testing.T) {
	name := "/job:worker/replica:0/task:0"
	d := NewDirectory(map[string]string{name: "127.0.0.1:1"})
	defer d.Close()

	// grpc.NewClient does not connect eagerly, so resolving a client must
	// succeed even with nothing listening.
	c, err := d.GetClient(name)
	require.NoError(t, err)
	assert.NotNil(t, c)

	// The connection is cached.
	c2, err := d.GetClient(name)
	require.NoError(t, err)
	assert.NotNil(t, c2)
	d.mu.Lock()
	assert.Len(t, d.conns, 1)
	d.mu.Unlock()
}

func TestNewDirectoryCopiesAddresses(t *testing.T) {
	addrs := map[string]string{"a": "1.2.3.4:5"}
	d := NewDirectory(addrs)
	addrs["a"] = "mutated"
	d.mu.Lock()
	assert.Equal(t, "1.2.3.4:5", d.addrs["a"])
	d.mu.Unlock()
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, "json", codec.Name())

	type payload struct {
		Msg string `json:"msg"`
	}
	data, err := codec.Marshal(payload{Msg: "hi"})
	require.NoError(t, err)
	var out payload
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, "hi", out.Msg)
}
