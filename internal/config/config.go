package config

import (
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bitcoin  BitcoinConfig  `yaml:"bitcoin"`
	Nodes    []NodeConfig   `yaml:"nodes"`
	Postgres PostgresConfig `yaml:"postgres"`
	Rates    RatesConfig    `yaml:"rates"`
	Wallet   WalletConfig   `yaml:"wallet"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type BitcoinConfig struct {
	Network     string `yaml:"network"`
	RPCHost     string `yaml:"rpchost"`
	RPCUser     string `yaml:"rpcuser"`
	RPCPass     string `yaml:"rpcpass"`
	ZMQRawBlock string `yaml:"zmq_rawblock"`
	ZMQRawTx    string `yaml:"zmq_rawtx"`
}

// NodeConfig describes one Lightning node. Invoices are created on the
// node flagged with invoice_node; settlements are consumed from all.
type NodeConfig struct {
	Name              string   `yaml:"name"`
	GRPCHost          string   `yaml:"grpc_host"`
	TLSCertPath       string   `yaml:"tls_cert_path"`
	AdminMacaroonPath string   `yaml:"admin_macaroon_path"`
	ChannelPeers      []string `yaml:"channel_peers"`
	InvoiceNode       bool     `yaml:"invoice_node"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RatesConfig struct {
	URL      string        `yaml:"url"`
	Currency string        `yaml:"currency"`
	Interval time.Duration `yaml:"interval"`
}

type WalletConfig struct {
	ChannelMinFundingSat int64 `yaml:"channel_min_funding_sat"`
	ChannelMaxFundingSat int64 `yaml:"channel_max_funding_sat"`
	OnchainMinFeeSat     int64 `yaml:"onchain_min_fee_sat"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Bitcoin.Network == "" {
		cfg.Bitcoin.Network = "mainnet"
	}
	if cfg.Rates.Currency == "" {
		cfg.Rates.Currency = "CAD"
	}
	if cfg.Rates.Interval == 0 {
		cfg.Rates.Interval = 150 * time.Second
	}
	if cfg.Wallet.ChannelMinFundingSat == 0 {
		cfg.Wallet.ChannelMinFundingSat = 10_000
	}
	if cfg.Wallet.ChannelMaxFundingSat == 0 {
		cfg.Wallet.ChannelMaxFundingSat = 16_777_216
	}
	if cfg.Wallet.OnchainMinFeeSat == 0 {
		cfg.Wallet.OnchainMinFeeSat = 180
	}

	if _, err := cfg.ChainParams(); err != nil {
		return nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("at least one lightning node required")
	}

	return &cfg, nil
}

// ChainParams maps the configured network name onto btcd chain parameters.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Bitcoin.Network {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", c.Bitcoin.Network)
	}
}

// InvoiceNode returns the index of the node invoices are created on. The
// flagged node wins; otherwise the last configured node is used.
func (c *Config) InvoiceNode() int {
	for i, n := range c.Nodes {
		if n.InvoiceNode {
			return i
		}
	}
	return len(c.Nodes) - 1
}
