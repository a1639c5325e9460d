package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xmh1011/raftkv/client"
	"github.com/xmh1011/raftkv/transport"
	grpctrans "github.com/xmh1011/raftkv/transport/grpc"
	tcptrans "github.com/xmh1011/raftkv/transport/tcp"
)

var (
	peersStr      string
	transportType string
	defaultPort   int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "raftkv-client",
		Short: "A client for the replicated key/value store",
	}

	rootCmd.PersistentFlags().StringVar(&peersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.PersistentFlags().StringVar(&transportType, "transport", transport.GrpcTransport, "Transport type: tcp, grpc")
	rootCmd.PersistentFlags().IntVar(&defaultPort, "default-port", 8001, "Port assumed for peer addresses given without one")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "put <key> <value>",
			Short: "Store a key/value pair",
			Args:  cobra.ExactArgs(2),
			Run: func(_ *cobra.Command, args []string) {
				c, trans := newClient()
				defer trans.Close()
				if c.Put([]byte(args[0]), []byte(args[1])) {
					fmt.Println("OK")
				} else {
					fmt.Println("FAILED")
					os.Exit(1)
				}
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Read the value of a key",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				c, trans := newClient()
				defer trans.Close()
				value, found, ok := c.Get([]byte(args[0]))
				switch {
				case !ok:
					fmt.Println("FAILED")
					os.Exit(1)
				case !found:
					fmt.Println("(not found)")
				default:
					fmt.Println(string(value))
				}
			},
		},
		&cobra.Command{
			Use:   "del <key>",
			Short: "Delete a key",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				c, trans := newClient()
				defer trans.Close()
				if c.Delete([]byte(args[0])) {
					fmt.Println("OK")
				} else {
					fmt.Println("FAILED")
					os.Exit(1)
				}
			},
		},
		&cobra.Command{
			Use:   "incr <key> <delta>",
			Short: "Adjust a counter key by delta",
			Args:  cobra.ExactArgs(2),
			Run: func(_ *cobra.Command, args []string) {
				var delta int64
				if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
					log.Fatalf("Invalid delta: %s", args[1])
				}
				c, trans := newClient()
				defer trans.Close()
				if c.AdjustCounter([]byte(args[0]), delta) {
					fmt.Println("OK")
				} else {
					fmt.Println("FAILED")
					os.Exit(1)
				}
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newClient() (*client.Client, transport.Transport) {
	peerMap := make(map[string]string)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			log.Fatalf("Invalid peer format: %s", p)
		}
		peerMap[parts[0]] = completeAddress(parts[1], defaultPort)
	}

	// 使用端口 0 让系统自动分配一个临时端口，作为客户端的源端口。
	var trans transport.Transport
	switch transportType {
	case transport.TCPTransport:
		trans = tcptrans.NewTCPTransport("client", "127.0.0.1:0")
	case transport.GrpcTransport:
		trans = grpctrans.NewGRPCTransport("client", "127.0.0.1:0")
	default:
		log.Fatalf("Unknown transport type: %s", transportType)
	}

	return client.NewClient(peerMap, trans), trans
}

// completeAddress 补全 host[:port] 形式的对等节点地址：
// 没有端口时追加配置的默认端口。
func completeAddress(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
