package port

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetCommand(t *testing.T) {
	for _, testCase := range []struct {
		name    string
		args    []string
		want    SetCommand
		wantErr bool
	}{
		{name: "plain", args: []string{"k", "v"}, want: SetCommand{key: "k", value: "v"}},
		{name: "nx", args: []string{"k", "v", "nx"}, want: SetCommand{key: "k", value: "v", existence: ifNotExists}},
		{name: "xx_get", args: []string{"k", "v", "XX", "GET"},
			want: SetCommand{key: "k", value: "v", existence: ifExists, get: true}},
		{name: "missing_value", args: []string{"k"}, wantErr: true},
		{name: "nx_and_xx", args: []string{"k", "v", "NX", "XX"}, wantErr: true},
		{name: "expiry_not_supported", args: []string{"k", "v", "EX", "10"}, wantErr: true},
		{name: "unknown_option", args: []string{"k", "v", "FOO"}, wantErr: true},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseSetCommand(testCase.args)
			if testCase.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestRedisHandler(t *testing.T) {
	_, err := newRedisHandler(context.Background(), nil)
	assert.Error(t, err)

	handler, err := newRedisHandler(context.Background(), newTestBackend(t, false /*withScheduler*/))
	require.NoError(t, err)
	strPtr := func(s string) *string { return &s }
	intPtr := func(i int) *int { return &i }

	for _, testCase := range []struct {
		name string
		cmd  redisCommand
		want redisOutput
	}{
		{name: "ping", cmd: redisCommand{command: "PING"}, want: writeRedisString("PONG")},
		{name: "ping_echo", cmd: redisCommand{command: "PING", args: []string{"hi"}}, want: writeRedisBulk("hi")},
		{name: "get_missing", cmd: redisCommand{command: "GET", args: []string{"a"}}, want: writeRedisNil()},
		{name: "set", cmd: redisCommand{command: "SET", args: []string{"a", "1"}}, want: writeRedisString(RedisOk)},
		{name: "set_nx_existing", cmd: redisCommand{command: "SET", args: []string{"a", "2", "NX"}},
			want: writeRedisNil()},
		{name: "set_get", cmd: redisCommand{command: "SET", args: []string{"a", "3", "GET"}},
			want: writeRedisBulk("1")},
		{name: "get", cmd: redisCommand{command: "GET", args: []string{"a"}}, want: writeRedisBulk("3")},
		{name: "get_arity", cmd: redisCommand{command: "GET"},
			want: redisOutput{err: strPtr("ERR wrong number of arguments for 'get' command")}},
		{name: "exists", cmd: redisCommand{command: "EXISTS", args: []string{"a", "b"}}, want: writeRedisInt(1)},
		{name: "keys", cmd: redisCommand{command: "KEYS", args: []string{"*"}}, want: writeRedisBulks([]string{"a"})},
		{name: "keys_no_match", cmd: redisCommand{command: "KEYS", args: []string{"z*"}},
			want: redisOutput{writeBulks: []string{}}},
		{name: "keys_arity", cmd: redisCommand{command: "KEYS"},
			want: redisOutput{err: strPtr("ERR wrong number of arguments for 'keys' command")}},
		{name: "dbsize", cmd: redisCommand{command: "DBSIZE"}, want: redisOutput{writeInt: intPtr(1)}},
		{name: "maintenance", cmd: redisCommand{command: "MAINTENANCE"}, want: writeRedisInts(0, 0, 0)},
		{name: "del", cmd: redisCommand{command: "DEL", args: []string{"a", "b"}}, want: writeRedisInt(1)},
		{name: "flushall", cmd: redisCommand{command: "FLUSHALL"}, want: writeRedisInts(0, 0)},
		{name: "quit", cmd: redisCommand{command: "QUIT"}, want: closeRedisConnection(RedisOk)},
		{name: "unknown", cmd: redisCommand{command: "HSET"},
			want: redisOutput{err: strPtr("ERR unknown command 'HSET'")}},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, handler.handle(testCase.cmd))
		})
	}
}

func TestRedisServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	backend := newTestBackend(t, true /*withScheduler*/)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() { serverErr <- serveRedis(ctx, listener, backend) }()

	client := redis.NewClient(&redis.Options{Addr: listener.Addr().String(), Protocol: 2, DisableIdentity: true})
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, "PONG", client.Ping(ctx).Val())
	require.NoError(t, client.Set(ctx, "user:1", "alice\r\nsmith", 0).Err())
	assert.Equal(t, "alice\r\nsmith", client.Get(ctx, "user:1").Val())
	assert.ErrorIs(t, client.Get(ctx, "missing").Err(), redis.Nil)

	assert.ErrorIs(t, client.SetArgs(ctx, "user:1", "bob", redis.SetArgs{Mode: "NX"}).Err(), redis.Nil)
	assert.Equal(t, "alice\r\nsmith", client.Get(ctx, "user:1").Val())
	assert.Error(t, client.Set(ctx, "user:2", "bob", time.Minute).Err()) // Per key TTLs are rejected.

	assert.EqualValues(t, 1, client.Exists(ctx, "user:1", "user:2").Val())
	assert.EqualValues(t, 1, client.DBSize(ctx).Val())
	assert.Equal(t, []string{"user:1"}, client.Keys(ctx, "user:*").Val())
	assert.Empty(t, client.Keys(ctx, "order:*").Val())
	assert.Contains(t, client.Info(ctx).Val(), "total_requests:")

	counts, err := client.Do(ctx, "MAINTENANCE").Int64Slice()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0}, counts)

	assert.EqualValues(t, 1, client.Del(ctx, "user:1", "user:2").Val())
	require.NoError(t, client.Set(ctx, "user:3", "carol", 0).Err())
	counts, err = client.Do(ctx, "FLUSHALL").Int64Slice()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1}, counts)

	cancel()
	select {
	case err := <-serverErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Redis server did not stop.")
	}
}
