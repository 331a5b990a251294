package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanguageForPath(t *testing.T) {
	assert.Equal(t, "typescript", LanguageForPath("src/app.ts"))
	assert.Equal(t, "tsx", LanguageForPath("src/app.tsx"))
	assert.Equal(t, "python", LanguageForPath("lib/util.py"))
	assert.Equal(t, "rust", LanguageForPath("src/lib.rs"))
	assert.Equal(t, "go", LanguageForPath("cmd/main.go"))
	assert.Equal(t, "", LanguageForPath("README.md"))
}

func TestParsePythonClassMethods(t *testing.T) {
	src := `class Greeter:
    """Says hello."""

    def hello(self, name):
        return "hi " + name

    @staticmethod
    def bye():
        return "bye"
`
	file, err := ASTParser{}.Parse("pkg/greeter.py", src)
	require.NoError(t, err)
	require.Len(t, file.Entities, 3)

	greeter, hello, bye := file.Entities[0], file.Entities[1], file.Entities[2]
	assert.Equal(t, "Greeter", greeter.Name)
	assert.Equal(t, "class", greeter.EntityType)
	assert.Equal(t, "Says hello.", greeter.Docstring)
	assert.Equal(t, 1, greeter.StartLine)
	assert.Equal(t, 9, greeter.EndLine)

	assert.Equal(t, "hello", hello.Name)
	assert.Equal(t, "Greeter.hello", hello.QualifiedName)
	assert.Equal(t, "method", hello.EntityType)
	assert.Equal(t, []string{"self", "name"}, hello.Parameters)
	assert.Equal(t, "class Greeter:", hello.ParentContext)
	assert.Equal(t, 4, hello.StartLine)
	assert.Equal(t, 5, hello.EndLine)

	// The decorator travels with the method below it.
	assert.Equal(t, "Greeter.bye", bye.QualifiedName)
	assert.Equal(t, "method", bye.EntityType)
	assert.Equal(t, 7, bye.StartLine)
	assert.Equal(t, 9, bye.EndLine)
}

func TestParsePythonStringLiteralsAreNotDeclarations(t *testing.T) {
	src := `EXAMPLE = """
def usage():
    pass
"""

def real():
    return 1
`
	file, err := ASTParser{}.Parse("docs/example.py", src)
	require.NoError(t, err)
	require.Len(t, file.Entities, 1)
	assert.Equal(t, "real", file.Entities[0].Name)
	assert.Equal(t, "function", file.Entities[0].EntityType)
	assert.Equal(t, 6, file.Entities[0].StartLine)
}

func TestParseRustDeclarations(t *testing.T) {
	src := `use std::io;

/// A handle to the runtime.
#[derive(Debug)]
pub struct Runtime {
    id: u64,
}

impl Runtime {
    pub fn new() -> Self {
        Runtime { id: 0 }
    }
}

pub(crate) async fn run(rt: &Runtime) -> io::Result<()> {
    Ok(())
}
`
	file, err := ASTParser{}.Parse("src/lib.rs", src)
	require.NoError(t, err)
	require.Len(t, file.Entities, 4)

	runtime := file.Entities[0]
	assert.Equal(t, "Runtime", runtime.Name)
	assert.Equal(t, "struct", runtime.EntityType)
	// Doc comment and derive attribute belong to the struct span.
	assert.Equal(t, 3, runtime.StartLine)
	assert.Equal(t, "A handle to the runtime.", runtime.Docstring)

	assert.Equal(t, "impl", file.Entities[1].EntityType)
	assert.Equal(t, "Runtime", file.Entities[1].Name)

	constructor := file.Entities[2]
	assert.Equal(t, "Runtime.new", constructor.QualifiedName)
	assert.Equal(t, "method", constructor.EntityType)
	assert.Equal(t, "Self", constructor.ReturnType)
	assert.Equal(t, "impl Runtime {", constructor.ParentContext)

	run := file.Entities[3]
	assert.Equal(t, "run", run.Name)
	assert.Equal(t, "function", run.EntityType)
	assert.Equal(t, []string{"rt: &Runtime"}, run.Parameters)
	assert.Equal(t, "io::Result<()>", run.ReturnType)
	assert.Equal(t, 15, run.StartLine)
	assert.Equal(t, 17, run.EndLine)
}

func TestParseTypeScriptDeclarations(t *testing.T) {
	src := `import { api } from "./api";

export interface Options {
  retries: number;
}

export const fetchDocs = async (opts: Options) => {
  return api.get("/docs", opts);
};

export class Store {
  get(key: string): string {
    return this.cache[key];
  }
}

export async function main() {
  await fetchDocs({ retries: 3 });
}
`
	file, err := ASTParser{}.Parse("src/index.ts", src)
	require.NoError(t, err)
	require.Len(t, file.Entities, 5)

	assert.Equal(t, "Options", file.Entities[0].Name)
	assert.Equal(t, "interface", file.Entities[0].EntityType)
	// The export keyword stays inside the span.
	assert.Equal(t, 3, file.Entities[0].StartLine)

	assert.Equal(t, "fetchDocs", file.Entities[1].Name)
	assert.Equal(t, "function", file.Entities[1].EntityType)
	assert.Equal(t, []string{"opts: Options"}, file.Entities[1].Parameters)

	assert.Equal(t, "Store", file.Entities[2].Name)
	assert.Equal(t, "class", file.Entities[2].EntityType)

	get := file.Entities[3]
	assert.Equal(t, "Store.get", get.QualifiedName)
	assert.Equal(t, "method", get.EntityType)
	assert.Equal(t, []string{"key: string"}, get.Parameters)
	assert.Equal(t, "string", get.ReturnType)

	assert.Equal(t, "main", file.Entities[4].Name)
	assert.Equal(t, "function", file.Entities[4].EntityType)
}

func TestParseGoMethodsGetQualifiedNames(t *testing.T) {
	src := `package pool

// Pool reuses byte buffers.
type Pool struct {
	size int
}

// Get returns a fresh buffer.
func (p *Pool) Get(n int) []byte {
	return make([]byte, n)
}

func New(size int) *Pool {
	return &Pool{size: size}
}
`
	file, err := ASTParser{}.Parse("pool.go", src)
	require.NoError(t, err)
	require.Len(t, file.Entities, 3)

	pool := file.Entities[0]
	assert.Equal(t, "Pool", pool.Name)
	assert.Equal(t, "struct", pool.EntityType)
	assert.Equal(t, 3, pool.StartLine)
	assert.Equal(t, "Pool reuses byte buffers.", pool.Docstring)

	get := file.Entities[1]
	assert.Equal(t, "Pool.Get", get.QualifiedName)
	assert.Equal(t, "method", get.EntityType)
	assert.Equal(t, []string{"n int"}, get.Parameters)
	assert.Equal(t, "[]byte", get.ReturnType)
	assert.Equal(t, "Get returns a fresh buffer.", get.Docstring)

	newFn := file.Entities[2]
	assert.Equal(t, "New", newFn.Name)
	assert.Equal(t, "function", newFn.EntityType)
	assert.Equal(t, "*Pool", newFn.ReturnType)
}

func TestParseUnknownLanguageYieldsNoEntities(t *testing.T) {
	file, err := ASTParser{}.Parse("notes.txt", "def f():\n    pass\n")
	require.NoError(t, err)
	assert.Empty(t, file.Entities)
	assert.Equal(t, "", file.Language)
}
