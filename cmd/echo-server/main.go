// Command echo-server implements the server side of spec.md §8's
// end-to-end scenario: register sum(a:i32,b:i32)->(c:i32) on provider 42
// and listen for forwards.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/oriys/corerpc/internal/config"
	"github.com/oriys/corerpc/internal/instance"
	"github.com/oriys/corerpc/internal/logging"
	"github.com/oriys/corerpc/internal/registry"
)

const sumProviderID = 42

func main() {
	addr := flag.String("addr", "grpc://127.0.0.1:7070", "mercury.address to listen on")
	flag.Parse()

	cfg, _ := config.Parse([]byte("{}"), false)
	cfg.Mercury.Address = *addr
	cfg.Mercury.Listening = true
	cfg.ExpandConveniences()

	inst, err := instance.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echo-server:", err)
		os.Exit(1)
	}
	defer inst.FinalizeAndWait()

	_, err = inst.Register("sum", sumProviderID, nil, nil, func(ctx registry.Context) error {
		input := ctx.Input()
		if len(input) != 8 {
			return ctx.RespondError(fmt.Errorf("echo-server: expected 8-byte (a,b int32) payload, got %d", len(input)))
		}
		a := int32(binary.LittleEndian.Uint32(input[0:4]))
		b := int32(binary.LittleEndian.Uint32(input[4:8]))

		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(a+b))
		return ctx.Respond(out)
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echo-server: register sum:", err)
		os.Exit(1)
	}

	logging.Op().Info("echo-server listening", "addr", *addr, "rpc", "sum", "provider", sumProviderID)
	select {}
}
