// Command nprpc-echo-client dials nprpc-echo-server over TCP and calls
// its Echo servant once, printing the round-tripped message.
package main

import (
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/sagernet/nprpc"
	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
	"github.com/sagernet/nprpc/rpcsession"
	"github.com/sagernet/nprpc/transport/tcp"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9443", "server tcp address")
	poaIdx := flag.Uint("poa", 0, "poa index printed by nprpc-echo-server")
	oid := flag.Uint64("oid", 0, "object id printed by nprpc-echo-server")
	message := flag.String("message", "hello from nprpc-echo-client", "message to echo")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	conn, err := tcp.Dial(*addr)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}

	sess := rpcsession.New(conn, nil, nil, func(err error) {
		logger.Warn("session failed", zap.Error(err))
	}, logger)
	defer sess.Close()

	target := nprpc.NewObject(nprpc.ObjectId{
		Oid:          *oid,
		PoaIdx:       uint16(*poaIdx),
		InterfaceIdx: 0,
	}, sess, 5*time.Second)
	defer target.Close()

	reply, err := target.Call(0, func(buf *flatbuf.Buffer) error {
		slot, _, err := flattypes.Alloc(buf, 8)
		if err != nil {
			return err
		}
		return flattypes.AllocString(buf, slot, *message)
	})
	if err != nil {
		logger.Fatal("echo call failed", zap.Error(err))
	}

	echoed, err := flattypes.ReadStringAt(reply, 0)
	if err != nil {
		logger.Fatal("decode reply", zap.Error(err))
	}
	logger.Info("echo reply", zap.String("message", echoed))
}
