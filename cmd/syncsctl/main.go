// Command syncsctl is a thin single-shot front-end over the client API
// (spec.md §6: "CLI surface of the reference tools... thin uses of the
// API and are not specified further here"). It supports the same
// read/write/notify/monitor shapes as the original's reference tools,
// with a -type flag selecting the payload encoding.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adred-codev/syncscribe/internal/client"
	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/logging"
	"github.com/adred-codev/syncscribe/internal/wire"
	"github.com/adred-codev/syncscribe/internal/xcrypto"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: syncsctl [flags] <command> <id> [value]

commands:
  write <id> <value>    write a value and exit
  read <id>             read the current value and print it
  notify <id>           write an EMPTY event (one-shot notification)
  monitor <id>          subscribe and print every update until interrupted

flags:`)
	flag.PrintDefaults()
}

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:4444", "broker host:port")
		discover = flag.Bool("discover", false, "locate the broker via SSDP instead of -addr")
		varType  = flag.String("type", "string", "payload type: int32|int64|float|double|string")
		cryptKey = flag.String("crypt-key", "", "hex-encoded 32-byte crypto envelope key (optional)")
		timeout  = flag.Duration("timeout", 3*time.Second, "request timeout")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, id := args[0], args[1]

	logger := logging.New(logging.Config{Level: logging.LevelWarn, Format: logging.FormatPretty, Service: "syncsctl"})

	cfg := client.Config{
		ID:         "syncsctl",
		ServerAddr: *addr,
		Discover:   *discover,
		Logger:     logger,
	}
	if *cryptKey != "" {
		keyBytes, err := hex.DecodeString(*cryptKey)
		if err != nil || len(keyBytes) != xcrypto.KeySize {
			fmt.Fprintf(os.Stderr, "syncsctl: -crypt-key must decode to 32 bytes\n")
			os.Exit(1)
		}
		var bundle [xcrypto.KeySize]byte
		copy(bundle[:], keyBytes)
		codec, err := xcrypto.New(bundle)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncsctl: %v\n", err)
			os.Exit(1)
		}
		cfg.Sealer, cfg.Opener = codec, codec
	}

	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "syncsctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	vt, err := parseVarType(*varType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncsctl: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "write":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		payload, err := encodeValue(vt, args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncsctl: %v\n", err)
			os.Exit(1)
		}
		if err := c.Write(id, vt, payload, client.WriteOpts{Force: true}); err != nil {
			fmt.Fprintf(os.Stderr, "syncsctl: write: %v\n", err)
			os.Exit(1)
		}

	case "read":
		readCtx, readCancel := context.WithTimeout(context.Background(), *timeout)
		defer readCancel()
		gotType, payload, err := c.Read(readCtx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncsctl: read: %v\n", err)
			os.Exit(1)
		}
		if gotType == wire.VarNotDefined {
			fmt.Fprintln(os.Stderr, "syncsctl: not defined")
			os.Exit(1)
		}
		fmt.Println(decodeValue(gotType, payload))

	case "notify":
		if err := c.Write(id, wire.VarEmpty, nil, client.WriteOpts{Force: true}); err != nil {
			fmt.Fprintf(os.Stderr, "syncsctl: notify: %v\n", err)
			os.Exit(1)
		}

	case "monitor":
		if err := c.Subscribe(id, wire.VarAny, func(gotID ident.ID, payload []byte) {
			fmt.Printf("%s: %s\n", gotID, decodeValue(vt, payload))
		}); err != nil {
			fmt.Fprintf(os.Stderr, "syncsctl: subscribe: %v\n", err)
			os.Exit(1)
		}
		select {}

	default:
		usage()
		os.Exit(2)
	}
}

func parseVarType(s string) (wire.VarType, error) {
	switch s {
	case "int32":
		return wire.VarInt32, nil
	case "int64":
		return wire.VarInt64, nil
	case "float":
		return wire.VarFloat, nil
	case "double":
		return wire.VarDouble, nil
	case "string":
		return wire.VarString, nil
	default:
		return 0, fmt.Errorf("unknown -type %q", s)
	}
}

func encodeValue(vt wire.VarType, s string) ([]byte, error) {
	switch vt {
	case wire.VarInt32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, err
		}
		return client.EncodeInt32(int32(v)), nil
	case wire.VarInt64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return client.EncodeInt64(v), nil
	case wire.VarFloat:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return client.EncodeFloat(float32(v)), nil
	case wire.VarDouble:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return client.EncodeDouble(v), nil
	default:
		return client.EncodeString(s), nil
	}
}

func decodeValue(vt wire.VarType, payload []byte) string {
	switch vt {
	case wire.VarInt32:
		return strconv.FormatInt(int64(client.DecodeInt32(payload)), 10)
	case wire.VarInt64:
		return strconv.FormatInt(client.DecodeInt64(payload), 10)
	case wire.VarFloat:
		return strconv.FormatFloat(float64(client.DecodeFloat(payload)), 'g', -1, 32)
	case wire.VarDouble:
		return strconv.FormatFloat(client.DecodeDouble(payload), 'g', -1, 64)
	case wire.VarEmpty:
		return "(notify)"
	default:
		return client.DecodeString(payload)
	}
}
