package main

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Store Concurrency Tests
// =============================================================================

// TestStoreConcurrentMutate verifies that Mutate's read-modify-write is
// atomic: concurrent sketch updates through it must not lose counts.
func TestStoreConcurrentMutate(t *testing.T) {
	app := newTestApp(t)

	const goroutines = 50
	const iterations = 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				app.applyUpdates(new(bytes.Buffer), "contested", []int64{7}, []int64{1})
			}
		}()
	}

	wg.Wait()

	// Every update went to item 7 on a sketch far below capacity, so the
	// final count must be exact.
	data, found := app.store.Get("contested")
	if !found {
		t.Fatal("key missing after concurrent updates")
	}
	sketch, ok := decodeSketch(data)
	if !ok {
		t.Fatal("stored value is not a valid sketch")
	}
	want := int64(goroutines * iterations)
	if got := sketch.Estimate(7); got != want {
		t.Errorf("lost updates: got %d, want %d", got, want)
	}
}

// TestStoreConcurrentDifferentKeys verifies that operations on different keys
// can proceed in parallel without blocking each other.
func TestStoreConcurrentDifferentKeys(t *testing.T) {
	store := NewStore()
	const goroutines = 100
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", id)
			for i := 0; i < iterations; i++ {
				store.Set(key, []byte(fmt.Sprintf("value-%d", i)))
				_, _ = store.Get(key)
			}
		}(g)
	}

	wg.Wait()

	for g := 0; g < goroutines; g++ {
		key := fmt.Sprintf("key-%d", g)
		if _, found := store.Get(key); !found {
			t.Errorf("Key %s missing after concurrent operations", key)
		}
	}
}

// TestSnapshotDuringWrites verifies that taking a snapshot while writes are
// happening doesn't corrupt either the snapshot or the store.
func TestSnapshotDuringWrites(t *testing.T) {
	store := NewStore()

	stopCh := make(chan struct{})
	var writerWg sync.WaitGroup

	const writers = 10
	writerWg.Add(writers)

	for w := 0; w < writers; w++ {
		go func(id int) {
			defer writerWg.Done()
			i := 0
			for {
				select {
				case <-stopCh:
					return
				default:
					key := fmt.Sprintf("writer-%d-key-%d", id, i%100)
					store.Set(key, []byte(fmt.Sprintf("value-%d", i)))
					i++
				}
			}
		}(w)
	}

	for s := 0; s < 5; s++ {
		var buf bytes.Buffer
		if err := store.SaveSnapshotToWriter(&buf); err != nil {
			t.Errorf("Snapshot %d failed: %v", s, err)
		}

		newStore := NewStore()
		if err := newStore.LoadSnapshotFromReader(bufio.NewReader(&buf)); err != nil {
			t.Errorf("Snapshot %d load failed: %v", s, err)
		}
	}

	close(stopCh)
	writerWg.Wait()
}

// =============================================================================
// Server Concurrency Tests
// =============================================================================

// TestServerConcurrentFreqSameKey verifies that concurrent FREQ.ADD and
// FREQ.COUNT on the same key keep an exact total while the sketch stays
// below capacity.
func TestServerConcurrentFreqSameKey(t *testing.T) {
	app := newTestApp(t)
	app.config.maxConnections = 50
	app.connLimiter = make(chan struct{}, 50)

	go func() { _ = app.serve() }()
	<-app.readyCh
	defer func() { _ = app.listener.Close() }()

	const clients = 10
	const addsPerClient = 100

	var wg sync.WaitGroup
	wg.Add(clients * 2) // Half writers, half readers

	// Writers: all increment the same item.
	for c := 0; c < clients; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				t.Errorf("client %d connect failed: %v", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			for i := 0; i < addsPerClient; i++ {
				if _, err := conn.Write([]byte("FREQ.ADD concurrent_freq 7\r\n")); err != nil {
					t.Errorf("client %d write failed: %v", clientID, err)
					return
				}

				response, err := reader.ReadString('\n')
				if err != nil {
					t.Errorf("client %d read failed: %v", clientID, err)
					return
				}
				if len(response) < 2 || response[0] != ':' {
					t.Errorf("client %d unexpected response: %q", clientID, response)
				}
			}
		}(c)
	}

	// Readers: query the same item while writes are in flight.
	for c := 0; c < clients; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				t.Errorf("reader %d connect failed: %v", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			for i := 0; i < addsPerClient; i++ {
				if _, err := conn.Write([]byte("FREQ.COUNT concurrent_freq 7\r\n")); err != nil {
					t.Errorf("reader %d write failed: %v", clientID, err)
					return
				}

				header, err := reader.ReadString('\n')
				if err != nil {
					t.Errorf("reader %d read header failed: %v", clientID, err)
					return
				}
				if header != "*1\r\n" {
					t.Errorf("reader %d unexpected header: %q", clientID, header)
					return
				}
				_, _ = reader.ReadString('\n')
			}
		}(c)
	}

	wg.Wait()

	// One item on a default-size sketch never purges, so Mutate's atomicity
	// means the final count is exactly clients * addsPerClient.
	conn, err := net.Dial("tcp", app.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	_, _ = conn.Write([]byte("FREQ.COUNT concurrent_freq 7\r\n"))
	header, _ := reader.ReadString('\n')
	if header != "*1\r\n" {
		t.Fatalf("final count header: %q", header)
	}
	countLine, _ := reader.ReadString('\n')
	count, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(countLine, ":"), "\r\n"))
	if err != nil {
		t.Fatalf("bad count line %q", countLine)
	}

	if count != clients*addsPerClient {
		t.Errorf("lost updates detected: got %d, want %d", count, clients*addsPerClient)
	}
}

// TestServerConcurrentMerge verifies that concurrent FREQ.MERGE operations
// into the same destination don't race.
func TestServerConcurrentMerge(t *testing.T) {
	app := newTestApp(t)
	app.config.maxConnections = 50
	app.connLimiter = make(chan struct{}, 50)

	go func() { _ = app.serve() }()
	<-app.readyCh
	defer func() { _ = app.listener.Close() }()

	// Setup: destination plus source sketches.
	setupConn, err := net.Dial("tcp", app.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	setupReader := bufio.NewReader(setupConn)

	setup := func(cmd string) {
		_, _ = setupConn.Write([]byte(cmd + "\r\n"))
		_, _ = setupReader.ReadString('\n')
	}
	setup("FREQ.RESERVE merge_dest 64")
	for i := 0; i < 10; i++ {
		setup(fmt.Sprintf("FREQ.RESERVE merge_src_%d 64", i))
		setup(fmt.Sprintf("FREQ.INCRBY merge_src_%d %d 5", i, i))
	}
	_ = setupConn.Close()

	const clients = 10
	var wg sync.WaitGroup
	wg.Add(clients)

	for c := 0; c < clients; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				t.Errorf("client %d connect failed: %v", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			srcKey := fmt.Sprintf("merge_src_%d", clientID%10)
			cmd := fmt.Sprintf("FREQ.MERGE merge_dest %s\r\n", srcKey)

			if _, err := conn.Write([]byte(cmd)); err != nil {
				t.Errorf("client %d write failed: %v", clientID, err)
				return
			}

			response, err := reader.ReadString('\n')
			if err != nil {
				t.Errorf("client %d read failed: %v", clientID, err)
				return
			}
			if response != "+OK\r\n" {
				t.Errorf("client %d unexpected response: %q", clientID, response)
			}
		}(c)
	}

	wg.Wait()

	// Each source was merged exactly once, so the destination holds the sum
	// of all source stream lengths.
	data, found := app.store.Get("merge_dest")
	if !found {
		t.Fatal("merge_dest missing")
	}
	sketch, ok := decodeSketch(data)
	if !ok {
		t.Fatal("merge_dest is not a valid sketch")
	}
	if got, want := sketch.StreamLength(), int64(10*5); got != want {
		t.Errorf("merged stream length: got %d, want %d", got, want)
	}
}
