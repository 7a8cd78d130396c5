// Command nprpc-echo-server activates a single Echo servant on a
// Persistent POA and serves it over every transport Config enables, as
// a minimal end-to-end exercise of the dispatch path.
package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/sagernet/nprpc"
	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/poa"
	"github.com/sagernet/nprpc/rpcsession"
)

const (
	echoInterfaceIdx uint8 = 0
	echoFunctionIdx  uint8 = 0
)

// echoServant answers echoFunctionIdx by returning its single string
// argument unchanged.
type echoServant struct{}

func (echoServant) ClassID() string     { return "nprpc.Echo" }
func (echoServant) Interfaces() []uint8 { return []uint8{echoInterfaceIdx} }

func (echoServant) Dispatch(ctx *rpcsession.Context, interfaceIdx, functionIdx uint8, args, reply *flatbuf.Buffer) error {
	if functionIdx != echoFunctionIdx {
		return nprpcerr.New(nprpcerr.KindUnknownFunctionIdx, "echo servant only implements Echo")
	}
	msg, err := flattypes.ReadStringAt(args, 0)
	if err != nil {
		return err
	}
	slot, _, err := flattypes.Alloc(reply, 8)
	if err != nil {
		return err
	}
	return flattypes.AllocString(reply, slot, msg)
}

func main() {
	tcpAddr := flag.String("tcp", "127.0.0.1:9443", "tcp listen address, empty to disable")
	wsAddr := flag.String("ws", "", "websocket listen address, empty to disable")
	httpAddr := flag.String("http", "", "http listen address, empty to disable")
	udpAddr := flag.String("udp", "", "udp listen address, empty to disable")
	shmName := flag.String("shm", "", "shared-memory accept-ring name, empty to disable")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	cfg := nprpc.DefaultConfig()
	cfg.Logger = logger
	cfg.ListenTcp = *tcpAddr
	cfg.ListenWs = *wsAddr
	cfg.ListenHttp = *httpAddr
	cfg.ListenUdp = *udpAddr
	cfg.ShmChannel = *shmName

	r := nprpc.New(cfg)
	p := r.CreatePoa(func(b *poa.Builder) {
		b.WithLifespan(poa.Persistent).WithIdPolicy(poa.SystemGenerated).PermittedFlags(poa.FlagAll)
	})

	oid, err := p.Activate(nil, echoServant{}, poa.FlagAll)
	if err != nil {
		logger.Fatal("activate echo servant", zap.Error(err))
	}
	logger.Info("echo servant activated", zap.Uint16("poa_idx", p.Index()), zap.Uint64("oid", oid))

	if err := r.ListenAndServe(); err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	logger.Info("serving, press ctrl-c to exit",
		zap.String("tcp", *tcpAddr), zap.String("ws", *wsAddr),
		zap.String("http", *httpAddr), zap.String("udp", *udpAddr),
		zap.String("shm", *shmName))
	select {}
}
