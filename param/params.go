package param

// State 定义节点的状态（Consensus Module State）
type State int

const (
	Follower State = iota
	Candidate
	Leader
	Dead // 表示节点已终止（用于优雅关闭）
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Config 表示集群成员配置：节点标识到网络地址（host[:port]）的映射。
type Config map[string]string

// Clone 返回配置的一个副本。
func (c Config) Clone() Config {
	clone := make(Config, len(c))
	for id, addr := range c {
		clone[id] = addr
	}
	return clone
}

// HardState 定义需要持久化的状态（必须稳定存储）。
// 崩溃重启后 Raft 依靠它恢复任期、投票记录、应用进度和集群配置。
type HardState struct {
	CurrentTerm      uint64 // 当前任期号
	VotedFor         string // 当前任期内投票给的候选者ID（空串表示未投票）
	LastAppliedIndex uint64 // 已应用到持久化存储的最高日志索引
	LastAppliedTerm  uint64 // 对应的任期号
	Config           Config // 已应用的集群配置
}

// Snapshot 表示一次完整状态传输的元数据和数据。
// Follower 安装快照后，以 (LastIncludedTerm, LastIncludedIndex, Config)
// 作为新的基线，丢弃自己已有的日志和状态。
type Snapshot struct {
	LastIncludedIndex uint64 // 快照中包含的最后一条日志的索引
	LastIncludedTerm  uint64 // 快照中包含的最后一条日志的任期
	Config            Config // 快照时刻生效的集群配置
	Data              []byte // 状态机（key/value 存储）的序列化内容
}

// NewSnapshot 创建一个新的 Snapshot 实例。
func NewSnapshot(lastIncludedIndex, lastIncludedTerm uint64, config Config, data []byte) *Snapshot {
	return &Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Config:            config.Clone(),
		Data:              data,
	}
}
