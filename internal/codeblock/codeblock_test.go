package codeblock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Block
	}{
		{name: "plain text", text: "plain text, no fences"},
		{
			name: "tagged",
			text: "```py\nprint(1)\n```",
			want: []Block{{Language: "py", Code: "print(1)"}},
		},
		{
			name: "two blocks in order",
			text: "```\nprint(1)\n```\n```js\nlet x=1\n```",
			want: []Block{{Code: "print(1)"}, {Language: "js", Code: "let x=1"}},
		},
		{
			name: "internal whitespace kept",
			text: "Here:\n```python\n\ndef f():\n    if x:\n\t\treturn 1\n\n```\nDone.",
			want: []Block{{Language: "python", Code: "def f():\n    if x:\n\t\treturn 1"}},
		},
		{
			name: "unterminated",
			text: "```go\nfunc main() {",
		},
		{
			name: "unterminated after complete",
			text: "```sh\nls\n```\ntext\n```py\nprint(2)",
			want: []Block{{Language: "sh", Code: "ls"}},
		},
		{
			name: "nearest close wins",
			text: "```md\n# title\n```\nmore\n```",
			want: []Block{{Language: "md", Code: "# title"}},
		},
		{
			name: "inline span ignored",
			text: "use ```x``` then\n```c++\nint a;\n```",
			want: []Block{{Language: "c++", Code: "int a;"}},
		},
		{
			name: "fence in prose before a block",
			text: "Wrap code in ``` fences like this.\n```py\nprint(1)\n```",
			want: []Block{{Language: "py", Code: "print(1)"}},
		},
		{
			name: "fence followed by code is not an opener",
			text: "```print('a')\nprint('b')\n```",
		},
		{
			name: "attributes after tag",
			text: "```python title=demo.py\nprint(3)\n```",
			want: []Block{{Language: "python", Code: "print(3)"}},
		},
		{
			name: "words after tag are prose",
			text: "```python is great\n```sh\nls\n```",
			want: []Block{{Language: "sh", Code: "ls"}},
		},
		{
			name: "empty block kept",
			text: "```\n\n```\n```go\n```",
			want: []Block{{Code: ""}, {Language: "go", Code: ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, Extract(tt.text))
		})
	}
}

func TestCodes(t *testing.T) {
	blocks := Extract("```\na\n```\n```\nb\n```")
	require.Equal(t, []string{"a", "b"}, Codes(blocks))
}
