// Package sbatch 将作业脚本中的 #SBATCH 指令行翻译为 slurmrestd 提交接口的参数.
package sbatch

type argKind int

const (
	argString argKind = iota
	argInt
	argBool // 出现即为 true, 不带参数
)

// paramSpec 单个 sbatch 选项的编译描述: REST 参数名、长/短选项名、参数形态.
// rest 为空表示该选项只存在于指令语法中, 没有 REST 等价物, 翻译时静默丢弃.
type paramSpec struct {
	rest  string
	long  string
	short string
	kind  argKind
}

// Table 编译后的只读指令表. 进程启动时构造一次, 以句柄传给翻译器;
// 不使用包级可变注册表.
type Table struct {
	specs  []paramSpec
	byDest map[string]paramSpec
	known  map[string]struct{}
}

// NewTable 构造内置 sbatch 选项表.
func NewTable() *Table {
	specs := []paramSpec{
		{rest: "name", long: "job-name", short: "J"},
		{rest: "time_limit", long: "time", short: "t"},
		{rest: "nodes", long: "nodes", short: "N"},
		{rest: "tasks", long: "ntasks", short: "n", kind: argInt},
		{rest: "cpus_per_task", long: "cpus-per-task", short: "c", kind: argInt},
		{rest: "memory_per_node", long: "mem"},
		{rest: "memory_per_cpu", long: "mem-per-cpu"},
		{rest: "partition", long: "partition", short: "p"},
		{rest: "account", long: "account", short: "A"},
		{rest: "qos", long: "qos", short: "q"},
		{rest: "standard_output", long: "output", short: "o"},
		{rest: "standard_error", long: "error", short: "e"},
		{rest: "standard_input", long: "input", short: "i"},
		{rest: "current_working_directory", long: "chdir", short: "D"},
		{rest: "array", long: "array", short: "a"},
		{rest: "tres_per_node", long: "gres"},
		{rest: "gpus", long: "gpus", short: "G"},
		{rest: "exclusive", long: "exclusive", kind: argBool},
		{rest: "hold", long: "hold", short: "H", kind: argBool},
		{rest: "requeue", long: "requeue", kind: argBool},
		{rest: "nice", long: "nice", kind: argInt},
		{rest: "priority", long: "priority", kind: argInt},
		{rest: "mail_type", long: "mail-type"},
		{rest: "mail_user", long: "mail-user"},
		{rest: "constraints", long: "constraint", short: "C"},
		{rest: "reservation", long: "reservation"},
		{rest: "wckey", long: "wckey"},
		{rest: "comment", long: "comment"},
		{rest: "deadline", long: "deadline"},
		// directive-only options: accepted in scripts, no REST equivalent.
		{long: "no-requeue", kind: argBool},
		{long: "export"},
		{long: "wait", short: "W", kind: argBool},
		{long: "parsable", kind: argBool},
		{long: "quiet", short: "Q", kind: argBool},
		{long: "verbose", short: "v", kind: argBool},
		{long: "test-only", kind: argBool},
	}
	t := &Table{
		specs:  specs,
		byDest: make(map[string]paramSpec, len(specs)),
		known:  make(map[string]struct{}, len(specs)*2),
	}
	for _, sp := range specs {
		t.byDest[sp.long] = sp
		t.known[sp.long] = struct{}{}
		if sp.short != "" {
			t.known[sp.short] = struct{}{}
		}
	}
	return t
}
