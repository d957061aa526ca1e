// Command echo-client implements the client side of spec.md §8's
// end-to-end scenario: forward {a=40,b=2} to a peer's sum RPC on provider
// 42 and verify c=42 comes back.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/oriys/corerpc/internal/config"
	"github.com/oriys/corerpc/internal/dispatch"
	"github.com/oriys/corerpc/internal/instance"
	"github.com/oriys/corerpc/internal/request"
	"github.com/oriys/corerpc/internal/rpcid"
)

const sumProviderID = 42

func main() {
	addr := flag.String("addr", "grpc://127.0.0.1:7070", "server mercury.address")
	a := flag.Int("a", 40, "first operand")
	b := flag.Int("b", 2, "second operand")
	flag.Parse()

	cfg, _ := config.Parse([]byte("{}"), false)
	cfg.ExpandConveniences()

	inst, err := instance.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "echo-client:", err)
		os.Exit(1)
	}
	defer inst.FinalizeAndWait()

	id := rpcid.Gen("sum", sumProviderID)
	h := dispatch.NewHandle(*addr, id)

	input := make([]byte, 8)
	binary.LittleEndian.PutUint32(input[0:4], uint32(int32(*a)))
	binary.LittleEndian.PutUint32(input[4:8], uint32(int32(*b)))

	status, out, err := inst.Dispatcher().Forward(context.Background(), h, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo-client: forward failed: status=%v err=%v\n", status, err)
		os.Exit(1)
	}
	if status != request.StatusOK || len(out) != 4 {
		fmt.Fprintf(os.Stderr, "echo-client: unexpected response: status=%v out=%v\n", status, out)
		os.Exit(1)
	}

	c := int32(binary.LittleEndian.Uint32(out))
	fmt.Printf("sum(%d, %d) = %d\n", *a, *b, c)
}
