// Command binderd-probe exercises a binderd.Driver end to end in a single
// process: it opens a server and a client, bootstraps the server as the
// context manager, sends one transaction and its reply, and prints a
// metrics snapshot. It is the library's smoke test, not a real service.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ash-kernel/go-binderd"
	"github.com/ash-kernel/go-binderd/internal/logging"
	"github.com/ash-kernel/go-binderd/internal/uapi"
)

// enterLooperCmd encodes a bare BC_ENTER_LOOPER command, which carries no
// payload, for use with Driver.Write.
func enterLooperCmd() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uapi.BC_ENTER_LOOPER)
	return b
}

func main() {
	var (
		verbose = flag.Bool("v", false, "verbose logging")
		ctxName = flag.String("context", "binder", "binder context name")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	driver := binderd.NewDriver(binderd.Config{Log: logger})
	defer driver.Shutdown()

	server := driver.Open(1, *ctxName)
	defer driver.Close(server)
	serverThread := driver.Thread(server, 1)

	if _, err := driver.BecomeContextManager(server); err != nil {
		log.Fatalf("become context manager: %v", err)
	}
	logger.Info("server registered as context manager", "pid", server.PID)

	if _, err := driver.Write(server, serverThread, enterLooperCmd()); err != nil {
		log.Fatalf("server enter looper: %v", err)
	}

	client := driver.Open(2, *ctxName)
	defer driver.Close(client)
	clientThread := driver.Thread(client, 1)

	payload := []byte("ping")
	req := &uapi.BinderTransactionData{
		Code:     1,
		Buffer:   payload,
		DataSize: uint64(len(payload)),
	}
	if err := driver.Transact(clientThread, 0, req, false); err != nil {
		log.Fatalf("transact: %v", err)
	}
	logger.Info("client sent transaction", "code", req.Code, "bytes", len(payload))

	serverBuf, err := driver.Read(server, serverThread, 4096)
	if err != nil {
		log.Fatalf("server read: %v", err)
	}
	fmt.Printf("server drained %d bytes of BR_* records\n", len(serverBuf))

	reply := []byte("pong")
	rep := &uapi.BinderTransactionData{
		Buffer:   reply,
		DataSize: uint64(len(reply)),
	}
	if err := driver.Transact(serverThread, 0, rep, true); err != nil {
		log.Fatalf("reply: %v", err)
	}
	logger.Info("server sent reply")

	clientRecords, err := driver.Read(client, clientThread, 4096)
	if err != nil {
		log.Fatalf("client read: %v", err)
	}
	fmt.Printf("client drained %d bytes of BR_* records\n", len(clientRecords))

	snap := driver.Metrics().Snapshot()
	fmt.Printf("transactions=%d replies=%d live_nodes=%d p99_latency_ns=%d\n",
		snap.Transactions, snap.Replies, snap.LiveNodes, snap.LatencyP99Ns)

	os.Exit(0)
}
