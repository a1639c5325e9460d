package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftkv/param"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name     string
		peersStr string
		nodeID   string
		wantCfg  param.Config
		wantAddr string
		wantErr  bool
	}{
		{
			name:     "FullAddresses",
			peersStr: "1=127.0.0.1:8001,2=127.0.0.1:8002",
			nodeID:   "1",
			wantCfg:  param.Config{"1": "127.0.0.1:8001", "2": "127.0.0.1:8002"},
			wantAddr: "127.0.0.1:8001",
		},
		{
			// 没有端口的地址补全为配置的默认端口。
			name:     "PortlessAddressGetsDefaultPort",
			peersStr: "1=node-a,2=node-b:9000",
			nodeID:   "1",
			wantCfg:  param.Config{"1": "node-a:8001", "2": "node-b:9000"},
			wantAddr: "node-a:8001",
		},
		{
			name:     "IPv6LiteralGetsDefaultPort",
			peersStr: "1=::1",
			nodeID:   "1",
			wantCfg:  param.Config{"1": "[::1]:8001"},
			wantAddr: "[::1]:8001",
		},
		{
			name:     "InvalidFormat",
			peersStr: "1-127.0.0.1:8001",
			nodeID:   "1",
			wantErr:  true,
		},
		{
			name:     "OwnIDMissing",
			peersStr: "2=127.0.0.1:8002",
			nodeID:   "1",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, addr, err := parsePeers(tt.peersStr, tt.nodeID, 8001)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCfg, cfg)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestCompleteAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8002", completeAddress("127.0.0.1:8002", 8001))
	assert.Equal(t, "127.0.0.1:8001", completeAddress("127.0.0.1", 8001))
	assert.Equal(t, "node-a:8001", completeAddress("node-a", 8001))
}
