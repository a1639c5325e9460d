package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/raft"
	"github.com/xmh1011/raftkv/storage"
	"github.com/xmh1011/raftkv/transport"
	grpctrans "github.com/xmh1011/raftkv/transport/grpc"
	tcptrans "github.com/xmh1011/raftkv/transport/tcp"
	"github.com/xmh1011/raftkv/txn"
)

// Config holds the server configuration
type Config struct {
	NodeID        string
	PeersStr      string
	DataDir       string
	TransportType string
	StorageType   string
	MetricsAddr   string
	DefaultPort   int
}

func main() {
	// .env 文件里的配置项（RAFTKV_ID 等）在启动时载入环境。
	_ = godotenv.Load()

	var rootCmd = &cobra.Command{
		Use:   "raftkv-server",
		Short: "A replicated transactional key/value store",
		Run:   runServer,
	}

	rootCmd.Flags().String("id", "1", "Node ID")
	rootCmd.Flags().String("peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.Flags().String("data", "raftkv-data", "Directory to store raft data")
	rootCmd.Flags().String("transport", transport.GrpcTransport, "Transport type: tcp, grpc")
	rootCmd.Flags().String("storage", storage.InmemoryStorage, "Storage type: inmemory or file")
	rootCmd.Flags().String("metrics", "", "Address for the /metrics endpoint (empty disables it)")
	rootCmd.Flags().Int("default-port", 8001, "Port assumed for peer addresses given without one")

	viper.SetEnvPrefix("raftkv")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		log.Fatalf("Failed to bind flags: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() Config {
	return Config{
		NodeID:        viper.GetString("id"),
		PeersStr:      viper.GetString("peers"),
		DataDir:       viper.GetString("data"),
		TransportType: viper.GetString("transport"),
		StorageType:   viper.GetString("storage"),
		MetricsAddr:   viper.GetString("metrics"),
		DefaultPort:   viper.GetInt("default-port"),
	}
}

func runServer(_ *cobra.Command, _ []string) {
	srv, err := NewServer(loadConfig())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	waitForSignal(srv)
}

// Server represents a single node of the cluster
type Server struct {
	config    Config
	raft      *raft.Raft
	db        *txn.Database
	transport transport.Transport
	store     storage.Storage
}

// NewServer creates a new Server instance
func NewServer(cfg Config) (*Server, error) {
	// 1. Parse peers
	peerConfig, myAddr, err := parsePeers(cfg.PeersStr, cfg.NodeID, cfg.DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peers: %w", err)
	}

	// 2. Initialize storage
	store, base, err := storage.NewStorage(cfg.StorageType, cfg.DataDir, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// 3. Initialize transport
	trans, err := newTransport(cfg.TransportType, cfg.NodeID, myAddr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	trans.SetPeers(peerConfig)

	// 4. Create Raft node and the transaction layer on top of it
	rf := raft.NewRaft(cfg.NodeID, peerConfig, store, base, trans)
	db := txn.NewDatabase(rf)

	return &Server{
		config:    cfg,
		raft:      rf,
		db:        db,
		transport: trans,
		store:     store,
	}, nil
}

func newTransport(transportType, nodeID, addr string) (transport.Transport, error) {
	switch transportType {
	case transport.TCPTransport:
		return tcptrans.NewTCPTransport(nodeID, addr), nil
	case transport.GrpcTransport:
		return grpctrans.NewGRPCTransport(nodeID, addr), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", transportType)
	}
}

// Start starts the server components
func (s *Server) Start() error {
	// Register Raft to transport before it starts accepting requests
	s.transport.RegisterRaft(s.raft)

	log.Printf("Starting %s transport service on %s", s.config.TransportType, s.transport.Addr())
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport service: %w", err)
	}

	s.raft.Start()

	if s.config.MetricsAddr != "" {
		go s.serveMetrics()
	}

	log.Printf("Node %s started", s.config.NodeID)
	return nil
}

func (s *Server) serveMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	log.Printf("Serving metrics on %s/metrics", s.config.MetricsAddr)
	if err := http.ListenAndServe(s.config.MetricsAddr, mux); err != nil {
		log.Printf("Metrics endpoint stopped: %v", err)
	}
}

// Stop stops the server
func (s *Server) Stop() {
	log.Println("Shutting down...")
	s.db.Close()
	s.raft.Stop()
	if err := s.transport.Close(); err != nil {
		log.Printf("Failed to close transport: %v", err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	}
	log.Println("Node stopped")
}

func waitForSignal(srv *Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	srv.Stop()
}

func parsePeers(peersStr, nodeID string, defaultPort int) (param.Config, string, error) {
	peerConfig := make(param.Config)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			return nil, "", fmt.Errorf("invalid peer format: %s", p)
		}
		peerConfig[parts[0]] = completeAddress(parts[1], defaultPort)
	}

	myAddr, ok := peerConfig[nodeID]
	if !ok {
		return nil, "", fmt.Errorf("my ID %s not found in peers list", nodeID)
	}
	return peerConfig, myAddr, nil
}

// completeAddress 补全 host[:port] 形式的对等节点地址：
// 没有端口时追加配置的默认端口。
func completeAddress(addr string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(defaultPort))
}
