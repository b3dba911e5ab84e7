package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"podtable/pkg/types"
)

// zkConn is the part of *zk.Conn used by ZKMembership.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKMembership keeps a pod's member list in ZooKeeper. Every member owns an
// ephemeral znode <root>/pods/<pod>/nodes/<id> holding its JSON Member.
type ZKMembership struct {
	conn     zkConn
	rootPath string
	pod      types.PodName

	retryDelay time.Duration
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, pod types.PodName, sessionTimeout time.Duration) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZKMembership(conn, rootPath, pod), nil
}

func newZKMembership(conn zkConn, rootPath string, pod types.PodName) *ZKMembership {
	return &ZKMembership{
		conn:       conn,
		rootPath:   rootPath,
		pod:        pod,
		retryDelay: 2 * time.Second,
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return path.Join(m.rootPath, "pods", string(m.pod), "nodes")
}

func (m *ZKMembership) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *ZKMembership) RegisterSelf(self Member) error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}

	nodePath := path.Join(m.nodesPath(), string(self.ID))
	_, err = m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("zk member registered", "path", nodePath, "servers", self.Servers)
	return nil
}

// ReadMembers читает список живых нод
func (m *ZKMembership) ReadMembers() ([]Member, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return m.membersOf(children)
}

// BuildShardMap forms the pod from the members currently registered.
func (m *ZKMembership) BuildShardMap(self string, strategy Strategy) (*ShardMap, error) {
	members, err := m.ReadMembers()
	if err != nil {
		return nil, err
	}
	return NewShardMap(m.pod, self, strategy, members)
}

// membersOf loads the member records of children, sorted by id so that every
// process derives the same member order.
func (m *ZKMembership) membersOf(children []string) ([]Member, error) {
	names := append([]string(nil), children...)
	sort.Strings(names)

	members := make([]Member, 0, len(names))
	for _, name := range names {
		data, _, err := m.conn.Get(path.Join(m.nodesPath(), name))
		if errors.Is(err, zk.ErrNoNode) {
			// ушла между Children и Get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", name, err)
		}
		mem, err := decodeMember(name, data)
		if err != nil {
			return nil, err
		}
		members = append(members, mem)
	}
	return members, nil
}

func decodeMember(name string, data []byte) (Member, error) {
	mem := Member{ID: types.NodeID(name)}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &mem); err != nil {
			return Member{}, fmt.Errorf("decode member %s: %w", name, err)
		}
	}
	mem.ID = types.NodeID(name)
	if len(mem.Servers) == 0 {
		// legacy registrations carry no payload; the node name is its address
		mem.Servers = []string{name}
	}
	return mem, nil
}

// RunWatch следит за изменениями nodes и публикует новый состав в ShardMap.
func (m *ZKMembership) RunWatch(ctx context.Context, sm *ShardMap) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				slog.Warn("zk children watch failed", "pod", m.pod, "error", err)
				if !m.sleep(ctx) {
					return
				}
				continue
			}

			members, err := m.membersOf(children)
			switch {
			case err != nil:
				slog.Warn("zk members read failed", "pod", m.pod, "error", err)
			case len(members) == 0:
				slog.Warn("zk pod has no members, keeping previous generation", "pod", m.pod)
			default:
				if err := sm.Publish(members); err != nil {
					slog.Error("publish pod membership", "pod", m.pod, "error", err)
				}
			}

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped", "pod", m.pod)
				return
			}
		}
	}()
}

func (m *ZKMembership) sleep(ctx context.Context) bool {
	t := time.NewTimer(m.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
