package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"podtable/pkg/cluster"
	"podtable/pkg/dberrors"
	"podtable/pkg/query"
	"podtable/pkg/table"
	"podtable/pkg/types"
)

// Переменные окружения, перекрывающие значения из файла.
const (
	EnvNodeAddr  = "PODTABLE_NODE_ADDR"
	EnvZKServers = "ZK_SERVERS"
)

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger LoggerConfig  `yaml:"logger" validate:"required"`
	Server ServerConfig  `yaml:"http-server" validate:"required"`
	Node   NodeConfig    `yaml:"node" validate:"required"`
	Pod    PodConfig     `yaml:"pod" validate:"required"`
	Query  QueryConfig   `yaml:"query"`
	Tables []TableConfig `yaml:"tables"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type NodeConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr" validate:"required"`
}

type PodConfig struct {
	Name         string           `yaml:"name" validate:"required"`
	Strategy     string           `yaml:"strategy" validate:"oneof=vnode jump ring"`
	Vnodes       int              `yaml:"vnodes" validate:"min=0"`
	RingReplicas int              `yaml:"ring_replicas" validate:"min=0"`
	Members      []cluster.Member `yaml:"members"`
	ZooKeeper    ZooKeeperConfig  `yaml:"zookeeper"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type QueryConfig struct {
	NonMemberPolicy string `yaml:"non_member_policy" validate:"oneof=self_owner reject"`
}

type TableConfig struct {
	Name    string         `yaml:"name" validate:"required"`
	Columns []ColumnConfig `yaml:"columns" validate:"required"`
	Key     []string       `yaml:"key" validate:"required"`
	Hash    []HashConfig   `yaml:"hash"`
}

type ColumnConfig struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"oneof=string int64 int bytes"`
}

// HashConfig - либо колонка, либо литерал
type HashConfig struct {
	Column  string `yaml:"column"`
	Literal string `yaml:"literal"`
}

// Default returns a baseline development config: a single-node pod served
// by this process.
func Default() Config {
	addr := "127.0.0.1:8080"
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Node: NodeConfig{
			ID:   uuid.NewString(),
			Addr: addr,
		},
		Pod: PodConfig{
			Name:         "main",
			Strategy:     "vnode",
			Vnodes:       64,
			RingReplicas: 100,
			ZooKeeper: ZooKeeperConfig{
				Root:           "/podtable",
				SessionTimeout: 5 * time.Second,
			},
		},
		Query: QueryConfig{
			NonMemberPolicy: "self_owner",
		},
	}
}

// Load читает YAML поверх Default(). Если файла нет, возвращается Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults возвращает значения по умолчанию полям, обнулённым файлом.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Node.ID == "" {
		c.Node.ID = def.Node.ID
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}
	if c.Pod.Vnodes == 0 {
		c.Pod.Vnodes = def.Pod.Vnodes
	}
	if c.Pod.RingReplicas == 0 {
		c.Pod.RingReplicas = def.Pod.RingReplicas
	}
	if c.Pod.ZooKeeper.Root == "" {
		c.Pod.ZooKeeper.Root = def.Pod.ZooKeeper.Root
	}
	if c.Pod.ZooKeeper.SessionTimeout == 0 {
		c.Pod.ZooKeeper.SessionTimeout = def.Pod.ZooKeeper.SessionTimeout
	}
}

// ApplyEnv перекрывает адрес ноды и список серверов ZooKeeper из окружения.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvNodeAddr); ok && v != "" {
		c.Node.Addr = v
	}
	if v, ok := lookup(EnvZKServers); ok && v != "" {
		c.Pod.ZooKeeper.Servers = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: "+format+": %w", append(args, dberrors.ErrInvalidArgument)...)
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return invalid("logger.level %q", c.Logger.Level)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("http-server.port %d", c.Server.Port)
	}
	if c.Node.Addr == "" {
		return invalid("node.addr is required")
	}
	if c.Pod.Name == "" {
		return invalid("pod.name is required")
	}
	if c.Pod.Vnodes < 0 || c.Pod.RingReplicas < 0 {
		return invalid("pod.vnodes and pod.ring_replicas must not be negative")
	}
	if _, err := c.Pod.Placement(); err != nil {
		return err
	}
	for _, m := range c.Pod.Members {
		if m.ID == "" || len(m.Servers) == 0 {
			return invalid("pod member %q needs an id and servers", m.ID)
		}
	}
	if _, err := c.Query.Policy(); err != nil {
		return invalid("query: %v", err)
	}

	seen := make(map[string]struct{}, len(c.Tables))
	for _, t := range c.Tables {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("config: table %q: %w", t.Name, dberrors.ErrTableExists)
		}
		seen[t.Name] = struct{}{}
		if t.Name == "" {
			return invalid("table without name")
		}
		s, err := t.Schema()
		if err != nil {
			return fmt.Errorf("config: table %s: %w", t.Name, err)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config: table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Placement returns the configured placement strategy.
func (p PodConfig) Placement() (cluster.Strategy, error) {
	s, ok := cluster.StrategyByName(p.Strategy, p.Vnodes, p.RingReplicas)
	if !ok {
		return nil, invalid("pod.strategy %q", p.Strategy)
	}
	return s, nil
}

// UseZooKeeper reports whether membership comes from ZooKeeper instead of
// the static member list.
func (p PodConfig) UseZooKeeper() bool {
	return len(p.ZooKeeper.Servers) > 0
}

// StaticMembers returns the configured members, or a single-node pod made
// of this process when none are listed.
func (c Config) StaticMembers() []cluster.Member {
	if len(c.Pod.Members) > 0 {
		return c.Pod.Members
	}
	return []cluster.Member{c.Self()}
}

// Self is the pod member record of this process.
func (c Config) Self() cluster.Member {
	return cluster.Member{ID: types.NodeID(c.Node.ID), Servers: []string{c.Node.Addr}}
}

func (p PodConfig) PodName() types.PodName {
	return types.PodName(p.Name)
}

func (q QueryConfig) Policy() (query.NonMemberPolicy, error) {
	return query.ParseNonMemberPolicy(q.NonMemberPolicy)
}

func (t TableConfig) Schema() (table.Schema, error) {
	s := table.Schema{
		Columns: make([]table.Column, 0, len(t.Columns)),
		Key:     append([]string(nil), t.Key...),
	}
	for _, c := range t.Columns {
		typ, err := table.ParseColumnType(c.Type)
		if err != nil {
			return table.Schema{}, fmt.Errorf("column %s: %w", c.Name, err)
		}
		s.Columns = append(s.Columns, table.Column{Name: c.Name, Type: typ})
	}
	for _, h := range t.Hash {
		s.Hash = append(s.Hash, table.HashPart{Column: h.Column, Literal: h.Literal})
	}
	return s, nil
}
