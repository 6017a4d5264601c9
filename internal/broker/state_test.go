package broker

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/peer-broker/internal/metrics"
	"github.com/ChuLiYu/peer-broker/internal/registry"
	"github.com/ChuLiYu/peer-broker/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestState() *State {
	return NewState(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func newTestJob(id int) *types.Job {
	return &types.Job{
		ID:         types.JobID(id),
		Descriptor: []byte(fmt.Sprintf("job-%d", id)),
		Host:       "node-a",
		Arg:        []byte{1, 2, 3},
		Opt:        []byte{4},
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewStateIsEmpty(t *testing.T) {
	s := newTestState()

	for name, n := range s.Stats() {
		assert.Zero(t, n, name)
	}
	assert.Len(t, s.Stats(), 6)
	assert.Equal(t, types.HostUnknown, s.HostStatus())
}

func TestJobCountAfterInsertRemove(t *testing.T) {
	const inserted, removed = 12, 5
	s := newTestState()

	ids := make([]registry.ID, 0, inserted)
	for i := 0; i < inserted; i++ {
		ids = append(ids, s.Jobs.Insert(newTestJob(i)))
	}
	for _, id := range ids[:removed] {
		job, ok := s.Jobs.Remove(id)
		require.True(t, ok)
		require.NotNil(t, job.Descriptor, "removed job is handed over intact")
	}

	assert.Equal(t, inserted-removed, s.JobCount())

	s.Jobs.Clear()
	assert.Equal(t, 0, s.JobCount())
	assert.NotPanics(t, func() { s.Jobs.Clear() })
	assert.Equal(t, 0, s.JobCount())
}

func TestClearReleasesJobFields(t *testing.T) {
	s := newTestState()
	jobs := []*types.Job{newTestJob(1), newTestJob(2)}
	for _, j := range jobs {
		s.Jobs.Insert(j)
	}

	s.Jobs.Clear()

	for _, j := range jobs {
		assert.Nil(t, j.Descriptor)
		assert.Empty(t, j.Host)
		assert.Nil(t, j.Arg)
		assert.Nil(t, j.Opt)
	}
}

func TestHostStatus(t *testing.T) {
	s := newTestState()

	assert.False(t, s.SetHostStatus(types.HostBusy), "no host record yet")
	assert.Equal(t, types.HostUnknown, s.HostStatus())

	s.SetHost(types.HostRecord{Name: "node-a", Port: 1972, Status: types.HostIdle})
	assert.Equal(t, types.HostIdle, s.HostStatus())

	assert.True(t, s.SetHostStatus(types.HostBusy))
	assert.Equal(t, types.HostBusy, s.HostStatus())
}

func TestResetClearsEverything(t *testing.T) {
	s := newTestState()
	peer := &types.Peer{ID: "p1", Host: "node-b", Port: 1972}
	user := &types.User{Name: "alice"}
	group := &types.Group{Name: "staff"}
	host := &types.HostEntry{Name: "node-c"}

	s.Peers.Insert(peer)
	s.Jobs.Insert(newTestJob(1))
	s.Jobs.Insert(newTestJob(2))
	s.Users.Insert(user)
	s.Groups.Insert(group)
	s.Hosts.Insert(host)
	s.FairShare.Insert(&types.FairShareEntry{JobID: 1})
	s.SetHost(types.HostRecord{Name: "node-a", Status: types.HostIdle})

	released := s.Reset()

	assert.Equal(t, map[string]int{
		RegistryPeers: 1, RegistryJobs: 2, RegistryUsers: 1,
		RegistryGroups: 1, RegistryHosts: 1, RegistryFairShare: 1,
	}, released)
	for name, n := range s.Stats() {
		assert.Zero(t, n, name)
	}
	assert.Equal(t, types.HostUnknown, s.HostStatus())
	assert.Empty(t, peer.Host)
	assert.Empty(t, user.Name)
	assert.Empty(t, group.Name)
	assert.Empty(t, host.Name)

	// second reset on empty state is a no-op
	for _, n := range s.Reset() {
		assert.Zero(t, n)
	}
}

func TestResetIgnoresNilNodes(t *testing.T) {
	s := newTestState()
	s.Jobs.Insert(newTestJob(1))

	assert.Zero(t, s.Jobs.Insert((*types.Job)(nil)))
	assert.Zero(t, s.Peers.Insert((*types.Peer)(nil)))

	var released map[string]int
	require.NotPanics(t, func() { released = s.Reset() })
	assert.Equal(t, 1, released[RegistryJobs])
	assert.Equal(t, 0, released[RegistryPeers])
}

func TestDescribe(t *testing.T) {
	s := newTestState()
	s.Peers.Insert(&types.Peer{ID: "p1", Host: "node-b"})
	s.SetHost(types.HostRecord{Name: "node-a", Port: 1972, Status: types.HostMaster})

	desc, err := s.Describe()
	require.NoError(t, err)

	regs := desc.GetFields()["registries"].GetStructValue().GetFields()
	assert.Equal(t, float64(1), regs[RegistryPeers].GetNumberValue())
	assert.Equal(t, float64(0), regs[RegistryJobs].GetNumberValue())

	host := desc.GetFields()["host"].GetStructValue().GetFields()
	assert.Equal(t, "master", host["status"].GetStringValue())
	assert.Equal(t, "node-a", host["name"].GetStringValue())

	out, err := protojson.Marshal(desc)
	require.NoError(t, err)
	assert.Regexp(t, `"status":\s*"master"`, string(out))
}

func TestStatsUpdatesMetrics(t *testing.T) {
	orig := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { prometheus.DefaultRegisterer = orig })

	s := NewState(WithMetrics(metrics.NewCollector()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Users.Insert(&types.User{Name: "bob"})

	assert.NotPanics(t, func() {
		s.Stats()
		s.SetHost(types.HostRecord{Status: types.HostIdle})
		s.Reset()
	})
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentCountAndClear(t *testing.T) {
	s := newTestState()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.Jobs.Insert(newTestJob(i))
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.Jobs.Each(func(_ registry.ID, j *types.Job) bool {
				// nodes still linked are never released
				assert.NotNil(t, j.Descriptor)
				return true
			})
			_ = s.JobCount()
		}
	}()

	for i := 0; i < 100; i++ {
		s.Jobs.Clear()
	}
	close(stop)
	wg.Wait()

	s.Jobs.Clear()
	assert.Equal(t, 0, s.JobCount())
}
