package sbatch

import (
	"fmt"
	"unicode"
)

// splitTokens 以 shell 语义切分一行指令参数: 空白分隔, 支持单双引号与反斜杠转义.
// 单引号内为字面量; 反斜杠在单引号外转义任意下一个字符.
func splitTokens(s string) ([]string, error) {
	var tokens []string
	var cur []rune
	inToken := false
	var quote rune
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			cur = append(cur, r)
			inToken = true
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur = append(cur, r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, string(cur))
				cur = cur[:0]
				inToken = false
			}
		default:
			cur = append(cur, r)
			inToken = true
		}
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash")
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inToken {
		tokens = append(tokens, string(cur))
	}
	return tokens, nil
}
