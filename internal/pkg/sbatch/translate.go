package sbatch

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

const directiveMarker = "#SBATCH"

// Translate 解析 script 中的全部 #SBATCH 指令行并映射为 slurmrestd 参数.
// overrides 作为基底, 脚本中解析出的值覆盖同名基底项(脚本优先于调用方提供的默认值).
// 任一无法识别的选项都会使整次翻译失败, 错误信息列出全部违规 token.
func Translate(t *Table, script string, overrides map[string]any) (map[string]any, error) {
	tokens, err := directiveTokens(script)
	if err != nil {
		return nil, err
	}
	if unknown := unknownFlags(t, tokens); len(unknown) > 0 {
		return nil, errors.Dataf("unrecognized sbatch options: %s", strings.Join(unknown, ", "))
	}

	fs := pflag.NewFlagSet("sbatch", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() {}
	for _, sp := range t.specs {
		switch sp.kind {
		case argInt:
			fs.IntP(sp.long, sp.short, 0, "")
		case argBool:
			fs.BoolP(sp.long, sp.short, false, "")
		default:
			fs.StringP(sp.long, sp.short, "", "")
		}
	}
	if err := fs.Parse(tokens); err != nil {
		return nil, errors.Dataf("unable to parse sbatch directives: %v", err)
	}

	job := make(map[string]any, len(overrides)+8)
	for k, v := range overrides {
		job[k] = v
	}
	var visitErr error
	fs.Visit(func(f *pflag.Flag) {
		sp := t.byDest[f.Name]
		if sp.rest == "" {
			return
		}
		switch sp.kind {
		case argInt:
			n, err := fs.GetInt(f.Name)
			if err != nil {
				visitErr = errors.Dataf("invalid integer value for --%s: %v", f.Name, err)
				return
			}
			job[sp.rest] = n
		case argBool:
			job[sp.rest] = true
		default:
			// 自由格式字符串(时间、内存等)原样透传, 不解释其值语法.
			job[sp.rest] = f.Value.String()
		}
	})
	if visitErr != nil {
		return nil, visitErr
	}
	return job, nil
}

// directiveTokens 提取并切分全部指令行为一个 token 流.
// 行内 "#" 之后视为注释截断; 指令标记后必须跟空白.
func directiveTokens(script string) ([]string, error) {
	var tokens []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, directiveMarker) {
			continue
		}
		rest := trimmed[len(directiveMarker):]
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		if i := strings.Index(rest, "#"); i >= 0 {
			rest = rest[:i]
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			continue
		}
		toks, err := splitTokens(rest)
		if err != nil {
			return nil, errors.Dataf("unable to tokenize directive line %q: %v", trimmed, err)
		}
		tokens = append(tokens, toks...)
	}
	return tokens, nil
}

// unknownFlags 在正式解析前扫描 token 流, 收集全部不在表中的选项.
// 只返回违规 token, 已识别的选项不混入错误信息.
func unknownFlags(t *Table, tokens []string) []string {
	var unknown []string
	for _, tok := range tokens {
		var name string
		switch {
		case tok == "-" || tok == "--":
			continue
		case strings.HasPrefix(tok, "--"):
			name = strings.TrimPrefix(tok, "--")
			if i := strings.Index(name, "="); i >= 0 {
				name = name[:i]
			}
		case strings.HasPrefix(tok, "-"):
			name = tok[1:2]
			if name >= "0" && name <= "9" {
				// 负数参数, 不是选项
				continue
			}
		default:
			// 选项的参数
			continue
		}
		if _, ok := t.known[name]; !ok {
			unknown = append(unknown, tok)
		}
	}
	return unknown
}
