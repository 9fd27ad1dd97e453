package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

type fakeSearcher struct {
	mu    sync.Mutex
	calls []protocol.Query
	hits  map[string][]*models.FileRecord
}

func (f *fakeSearcher) Search(query string, param protocol.Param, page int) []*models.FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, protocol.Query{Search: query, Param: param, Page: page})
	return f.hits[query]
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func startService(t *testing.T, selfRespond bool, searcher Searcher) *Service {
	t.Helper()
	svc := New(Config{Network: "test-net", Port: 0, SelfRespond: selfRespond}, searcher, nil)
	started, err := svc.Start(context.Background())
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

// exchange sends payload to the service over loopback and waits briefly for
// a reply. It returns nil when none arrives.
func exchange(t *testing.T, svc *Service, payload []byte) []byte {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: svc.Addr().Port}
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, maxDatagram)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func encodeQuery(t *testing.T, q protocol.Query) []byte {
	t.Helper()
	data, err := protocol.Encode(q)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestServiceAnswersMatchingQuery(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]*models.FileRecord{
		"video": {{ID: "abc", Name: "video.mp4", Downloads: 3}},
	}}
	svc := startService(t, true, searcher)

	q := protocol.Query{Network: "test-net", Search: "video", Param: protocol.ParamNames, Page: 1}
	reply := exchange(t, svc, encodeQuery(t, q))
	if reply == nil {
		t.Fatal("expected a response")
	}

	resp, err := protocol.DecodeResponse(reply)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !protocol.Matches(q, resp) {
		t.Errorf("response does not echo query: %+v", resp)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	want := protocol.Result{Name: "video.mp4", ID: "abc", Downloads: 3}
	if resp.Results[0] != want {
		t.Errorf("got %+v, want %+v", resp.Results[0], want)
	}
}

func TestServiceStaysSilent(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]*models.FileRecord{
		"video": {{ID: "abc", Name: "video.mp4"}},
	}}
	svc := startService(t, true, searcher)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"malformed", []byte("{not json")},
		{"foreign network", encodeQuery(t, protocol.Query{Network: "other", Search: "video", Page: 1})},
		{"empty search", encodeQuery(t, protocol.Query{Network: "test-net", Search: "", Page: 1})},
		{"no results", encodeQuery(t, protocol.Query{Network: "test-net", Search: "nothing", Page: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if reply := exchange(t, svc, tt.payload); reply != nil {
				t.Errorf("expected no response, got %s", reply)
			}
		})
	}

	// Only the query that passed the drop rules reached the searcher.
	if n := searcher.callCount(); n != 1 {
		t.Errorf("expected 1 search call, got %d", n)
	}
	if svc.State() != Running {
		t.Errorf("expected service to keep running, got %s", svc.State())
	}
}

func TestServiceIgnoresSelfWhenDisabled(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]*models.FileRecord{
		"video": {{ID: "abc", Name: "video.mp4"}},
	}}
	svc := startService(t, false, searcher)

	q := protocol.Query{Network: "test-net", Search: "video", Param: protocol.ParamDefault, Page: 1}
	if reply := exchange(t, svc, encodeQuery(t, q)); reply != nil {
		t.Errorf("expected loopback query to be dropped, got %s", reply)
	}
	if n := searcher.callCount(); n != 0 {
		t.Errorf("expected no search, got %d", n)
	}
}

func TestServiceStartStopTransitions(t *testing.T) {
	svc := New(Config{Network: "test-net"}, &fakeSearcher{}, nil)

	if stopped, _ := svc.Stop(); stopped {
		t.Error("expected Stop on stopped service to report false")
	}
	if started, err := svc.Start(context.Background()); !started || err != nil {
		t.Fatalf("expected first start, got %v %v", started, err)
	}
	if started, _ := svc.Start(context.Background()); started {
		t.Error("expected second Start to report false")
	}
	if svc.Addr() == nil {
		t.Error("expected bound address while running")
	}
	if stopped, _ := svc.Stop(); !stopped {
		t.Error("expected Stop to report true")
	}
	if stopped, _ := svc.Stop(); stopped {
		t.Error("expected second Stop to report false")
	}
	if svc.State() != Stopped || svc.Addr() != nil {
		t.Errorf("expected stopped with no address, got %s", svc.State())
	}
}

func TestServiceBindFailure(t *testing.T) {
	holder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()

	svc := New(Config{Network: "test-net", Port: holder.LocalAddr().(*net.UDPAddr).Port}, &fakeSearcher{}, nil)
	started, err := svc.Start(context.Background())
	if err == nil || started {
		t.Fatalf("expected bind failure, got started=%v err=%v", started, err)
	}
	if svc.State() != Stopped {
		t.Errorf("expected Stopped after failed start, got %s", svc.State())
	}
}

func TestServiceStopsWithContext(t *testing.T) {
	svc := New(Config{Network: "test-net"}, &fakeSearcher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for svc.State() != Stopped {
		if time.Now().After(deadline) {
			t.Fatalf("service still %s after cancel", svc.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
