package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper cased.
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeInts       []int    // Writes an array of integers if non-nil.
	writeBulk       *string  // Writes a binary safe bulk string if set.
	writeBulks      []string // Writes an array of bulk strings if non-nil.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisInts(ints ...int) redisOutput {
	return redisOutput{writeInts: ints}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisBulks(bulks []string) redisOutput {
	if bulks == nil {
		bulks = []string{}
	}
	return redisOutput{writeBulks: bulks}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgCount(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// writeTo sends the output over `conn`.
func (o redisOutput) writeTo(conn redcon.Conn) {
	switch {
	case o.err != nil:
		conn.WriteError(*o.err)
	case o.writeNil:
		conn.WriteNull()
	case o.writeInt != nil:
		conn.WriteInt(*o.writeInt)
	case o.writeInts != nil:
		conn.WriteArray(len(o.writeInts))
		for _, i := range o.writeInts {
			conn.WriteInt(i)
		}
	case o.writeBulk != nil:
		conn.WriteBulkString(*o.writeBulk)
	case o.writeBulks != nil:
		conn.WriteArray(len(o.writeBulks))
		for _, bulk := range o.writeBulks {
			conn.WriteBulkString(bulk)
		}
	default:
		conn.WriteString(o.writeString)
	}
}

type redisHandler struct {
	ctx     context.Context // Bounds MAINTENANCE waiting on a running cycle.
	backend *Backend
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(ctx context.Context, backend *Backend) (*redisHandler, error) {
	if backend == nil {
		return nil, errors.New("expected a non-nil backend")
	}
	return &redisHandler{ctx: ctx, backend: backend}, nil
}

// parseSetCommand parses `SET key value [NX | XX] [GET]`. Per key expiry options are rejected: every entry lives
// for its tier's TTL.
func parseSetCommand(args []string) (SetCommand, error) {
	if len(args) < 2 {
		return SetCommand{}, errors.New("wrong number of arguments for 'set' command")
	}
	cmd := SetCommand{key: args[0], value: args[1]}
	for _, option := range args[2:] {
		switch strings.ToUpper(option) {
		case "NX", "XX":
			if cmd.existence != noCheck {
				return SetCommand{}, errors.New("syntax error")
			}
			cmd.existence = ifExists
			if strings.EqualFold(option, "NX") {
				cmd.existence = ifNotExists
			}
		case "GET":
			cmd.get = true
		case "EX", "PX", "EXAT", "PXAT", "KEEPTTL":
			return SetCommand{}, fmt.Errorf("option '%s' is not supported: entries expire by tier TTL", option)
		default:
			return SetCommand{}, errors.New("syntax error")
		}
	}
	return cmd, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		if len(cmd.args) > 1 {
			return wrongArgCount(cmd.command)
		}
		if len(cmd.args) == 1 {
			return writeRedisBulk(cmd.args[0])
		}
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		setCmd, err := parseSetCommand(cmd.args)
		if err != nil {
			return writeRedisError(err)
		}
		result := rh.backend.Set(setCmd)
		switch {
		case result.err != nil:
			return writeRedisError(result.err)
		case setCmd.get && result.hasPreviousValue:
			return writeRedisBulk(result.previousValue)
		case setCmd.get, !result.couldSet:
			return writeRedisNil()
		default:
			return writeRedisString(RedisOk)
		}
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArgCount(cmd.command)
		}
		if value, found := rh.backend.Get(cmd.args[0]); found {
			return writeRedisBulk(value)
		}
		return writeRedisNil()
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArgCount(cmd.command)
		}
		deletedCount, err := rh.backend.Delete(cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(deletedCount)
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArgCount(cmd.command)
		}
		return writeRedisInt(rh.backend.Exists(cmd.args...))
	case "FLUSHALL", "FLUSHDB":
		memoryCount, diskCount, err := rh.backend.Flush()
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInts(memoryCount, diskCount)
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArgCount(cmd.command)
		}
		keys, err := rh.backend.Keys(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisBulks(keys)
	case "DBSIZE":
		return writeRedisInt(rh.backend.Size())
	case "INFO":
		return writeRedisBulk(rh.backend.Info())
	case "MAINTENANCE":
		report, err := rh.backend.Maintenance(rh.ctx)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInts(report.MemoryExpired, report.DiskExpired, report.SizeEnforced)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// RunRedisServer starts a Redis protocol server on the --address flag that serves the given backend. The backend is
// closed when ctx is cancelled.
func RunRedisServer(ctx context.Context, backend *Backend) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	listener, err := net.Listen("tcp", *address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *address, err)
	}
	return serveRedis(ctx, listener, backend)
}

// serveRedis serves RESP on `listener` until ctx is cancelled.
func serveRedis(ctx context.Context, listener net.Listener, backend *Backend) error {
	redisHandler, err := newRedisHandler(ctx, backend)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, listener.Addr().String(),
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := redisHandler.handle(command)
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.Serve(listener); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol.", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil { // Serve may not have taken over the listener yet.
			_ = listener.Close()
		}
		if err := backend.Close(); err != nil {
			return fmt.Errorf("failed to close tiercache: %w", err)
		}
	case err, ok := <-serverErrSignal:
		if !ok {
			return errors.New("redis server stopped unexpectedly")
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
