package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// GameServer is one Rust server managed by the daemon.
type GameServer struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Host         string `yaml:"host" json:"host"`
	RconPassword string `yaml:"rcon_password" json:"-"`
	RconPort     int    `yaml:"rcon_port" json:"rcon_port"`
	QueryPort    int    `yaml:"query_port" json:"query_port,omitempty"`
	Disabled     bool   `yaml:"disabled" json:"disabled,omitempty"`
}

// RconAddress returns host:port of the WebRCON endpoint.
func (g GameServer) RconAddress() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.RconPort))
}

type serversFile struct {
	Servers []GameServer `yaml:"servers"`
}

// LoadServers reads the game server list from a YAML file.
func LoadServers(path string) ([]GameServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading servers file: %w", err)
	}

	return ParseServers(data)
}

// ParseServers decodes and validates a YAML game server list.
func ParseServers(data []byte) ([]GameServer, error) {
	var file serversFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing servers file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Servers))
	servers := make([]GameServer, 0, len(file.Servers))
	for i, srv := range file.Servers {
		if srv.ID == "" {
			return nil, fmt.Errorf("server #%d: id is required", i+1)
		}
		if _, dup := seen[srv.ID]; dup {
			return nil, fmt.Errorf("server %q: duplicate id", srv.ID)
		}
		seen[srv.ID] = struct{}{}

		if srv.Host == "" {
			return nil, fmt.Errorf("server %q: host is required", srv.ID)
		}
		if srv.RconPort == 0 {
			srv.RconPort = 28016
		}
		if srv.RconPort < 1 || srv.RconPort > 65535 || srv.QueryPort < 0 || srv.QueryPort > 65535 {
			return nil, fmt.Errorf("server %q: port out of range", srv.ID)
		}
		if srv.Name == "" {
			srv.Name = srv.ID
		}

		servers = append(servers, srv)
	}

	return servers, nil
}
