package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "braced substitution with ${VAR}",
			input: "api_key: ${API_KEY}",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "api_key: secret123",
		},
		{
			name:  "bare substitution with $VAR",
			input: "path: $HOME/bin",
			env:   map[string]string{"HOME": "/root"},
			want:  "path: /root/bin",
		},
		{
			name:  "multiple substitutions in one line",
			input: "url: ${PROTOCOL}://${HOST}:${PORT}",
			env: map[string]string{
				"PROTOCOL": "https",
				"HOST":     "example.com",
				"PORT":     "443",
			},
			want: "url: https://example.com:443",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: ${MISSING_VAR}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "mixed present and missing variables",
			input: "url: ${PROTOCOL}://${MISSING}:${PORT}",
			env: map[string]string{
				"PROTOCOL": "https",
				"PORT":     "443",
			},
			want: "url: https://:443",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
		{
			name:  "variables in YAML array",
			input: "args:\n  - ${ARG1}\n  - ${ARG2}",
			env: map[string]string{
				"ARG1": "value1",
				"ARG2": "value2",
			},
			want: "args:\n  - value1\n  - value2",
		},
		{
			name:  "variables in nested YAML structure",
			input: "config:\n  host: ${HOST}\n  port: ${PORT}",
			env: map[string]string{
				"HOST": "localhost",
				"PORT": "5432",
			},
			want: "config:\n  host: localhost\n  port: 5432",
		},
		{
			name:  "environment variable with underscores",
			input: "key: ${MY_LONG_VAR_NAME}",
			env:   map[string]string{"MY_LONG_VAR_NAME": "value"},
			want:  "key: value",
		},
		{
			name:  "adjacent braced variables without separator",
			input: "${VAR1}${VAR2}",
			env: map[string]string{
				"VAR1": "hello",
				"VAR2": "world",
			},
			want: "helloworld",
		},
		{
			name:  "variable in quoted string",
			input: `message: "Hello ${NAME}"`,
			env:   map[string]string{"NAME": "World"},
			want:  `message: "Hello World"`,
		},
		{
			name:  "empty string variable",
			input: "value: ${EMPTY}",
			env:   map[string]string{"EMPTY": ""},
			want:  "value: ",
		},
		{
			name: "complex YAML with multiple variables",
			input: `
database:
  host: ${DB_HOST}
  port: ${DB_PORT}
  user: ${DB_USER}
  password: ${DB_PASSWORD}
`,
			env: map[string]string{
				"DB_HOST":     "localhost",
				"DB_PORT":     "5432",
				"DB_USER":     "spyre",
				"DB_PASSWORD": "secret",
			},
			want: `
database:
  host: localhost
  port: 5432
  user: spyre
  password: secret
`,
		},
		{
			name:  "literal dollar sign with no matching identifier is dropped",
			input: "price: $$",
			env:   map[string]string{},
			want:  "price: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

func TestExpandEnvPreservesOriginalWhenNoVariables(t *testing.T) {
	input := `
# This is a comment
key: value
nested:
  field: "string value"
  number: 123
  boolean: true
array:
  - item1
  - item2
`

	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result), "Content without variables should be unchanged")
}

func TestExpandEnvWithEmptyInput(t *testing.T) {
	result := ExpandEnv([]byte(""))
	assert.Equal(t, "", string(result), "Empty input should return empty output")
}

func TestExpandEnvThreadSafety(t *testing.T) {
	input := []byte("key: ${TEST_VAR}")
	t.Setenv("TEST_VAR", "value")

	const goroutines = 100
	results := make([]string, goroutines)
	done := make(chan bool)

	for i := 0; i < goroutines; i++ {
		go func(index int) {
			results[index] = string(ExpandEnv(input))
			done <- true
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	expected := "key: value"
	for i, result := range results {
		assert.Equal(t, expected, result, "Result %d should match", i)
	}
}

// TestExpandEnvThenYAMLUnmarshal exercises the real loader.go pipeline:
// expand env vars first, then hand the result to the YAML parser.
func TestExpandEnvThenYAMLUnmarshal(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "8080")

	input := []byte(`
host: ${HOST}
port: ${PORT}
name: test-server
`)

	expanded := ExpandEnv(input)

	var result map[string]any
	err := yaml.Unmarshal(expanded, &result)
	assert.NoError(t, err)
	assert.Equal(t, "localhost", result["host"])
	assert.Equal(t, 8080, result["port"])
}
