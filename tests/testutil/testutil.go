package testutil

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"
)

const (
	brokerEnv      = "TEST_BROKER_URL"
	apiEnv         = "TEST_API_URL"
	healthTimeout  = 30 * time.Second
	healthInterval = 500 * time.Millisecond
)

// Env is the backend a suite runs against.
type Env struct {
	BrokerURL string
	APIURL    string
	// Backend is nil when the suite targets an external backend.
	Backend *Backend
}

var current *Env

// Current returns the Env set up by Run.
func Current() *Env {
	return current
}

// Run starts an in-process Backend, unless TEST_BROKER_URL names a real one,
// waits until the broker accepts connections and runs the suite.
func Run(m interface{ Run() int }) int {
	env := &Env{
		BrokerURL: os.Getenv(brokerEnv),
		APIURL:    os.Getenv(apiEnv),
	}
	if env.BrokerURL == "" {
		b := NewBackend()
		defer b.Close()
		env.Backend = b
		env.BrokerURL = b.BrokerURL()
		env.APIURL = b.APIURL()
	}

	if err := waitForBroker(env.BrokerURL); err != nil {
		fmt.Fprintf(os.Stderr, "broker not ready: %v\n", err)
		return 1
	}
	fmt.Println("broker ready at", env.BrokerURL)

	current = env
	return m.Run()
}

func waitForBroker(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	deadline := time.Now().Add(healthTimeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", host, healthInterval)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(healthInterval)
	}
	return fmt.Errorf("broker not accepting connections at %s", host)
}
