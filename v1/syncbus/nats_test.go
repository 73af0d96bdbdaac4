package syncbus

import (
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	addr := os.Getenv("LATCH_TEST_NATS_ADDR")
	var s *server.Server
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	} else {
		t.Logf("using real NATS at %s", addr)
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn, "")
}

func TestNATSBusContract(t *testing.T) {
	busContract(t, newNATSBus(t))
}
