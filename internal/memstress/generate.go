// Package memstress generates a synthetic source tree, runs the target daemon
// over it and watches the daemon's resident memory while indexing and while
// serving repeated queries.
package memstress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type template struct {
	ext  string
	body string
}

// Each template is rendered with {N} replaced by the file number.
var templates = []template{
	{".rs", `
use std::collections::HashMap;

pub struct TestStruct_{N} {
    data: HashMap<String, i32>,
    count: usize,
}

impl TestStruct_{N} {
    pub fn new() -> Self {
        Self { data: HashMap::new(), count: 0 }
    }

    pub fn process(&mut self, key: String, value: i32) {
        self.data.insert(key, value);
        self.count += 1;
    }
}

#[cfg(test)]
mod tests {
    use super::*;

    #[test]
    fn test_creation() {
        let ts = TestStruct_{N}::new();
        assert_eq!(ts.count, 0);
    }
}
`},
	{".py", `
class TestClass_{N}:
    def __init__(self):
        self.data = {}
        self.count = 0

    def process(self, key, value):
        self.data[key] = value
        self.count += 1

    def get_stats(self):
        return {'count': self.count, 'keys': len(self.data)}


def main():
    obj = TestClass_{N}()
    for i in range(100):
        obj.process(f'key_{i}', i * 2)
    print(f'Processed {obj.count} items')


if __name__ == '__main__':
    main()
`},
	{".md", "\n# Test Document {N}\n\n## Overview\n\nThis is test document number {N}. It contains sample content for exercising\nindexing and search.\n\n## Features\n\n- Feature A: Lorem ipsum dolor sit amet\n- Feature B: Consectetur adipiscing elit\n- Feature C: Sed do eiusmod tempor incididunt\n\n## Code Example\n\n```rust\nfn example_{N}() {\n    let data = vec![1, 2, 3, 4, 5];\n    let sum: i32 = data.iter().sum();\n    println!(\"Sum: {}\", sum);\n}\n```\n\n## Conclusion\n\nDocument {N} demonstrates the capabilities of the system.\n"},
}

// Generate writes n files under dir, perDir files per category_K directory,
// cycling through the Rust, Python and Markdown templates. progress, when
// set, is called every 1000 files.
func Generate(dir string, n, perDir int, progress func(done int)) error {
	if perDir <= 0 {
		return fmt.Errorf("files per directory must be positive")
	}
	for i := 0; i < n; i++ {
		tpl := templates[i%len(templates)]
		sub := filepath.Join(dir, fmt.Sprintf("category_%d", i/perDir))
		if i%perDir == 0 {
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return err
			}
		}
		name := filepath.Join(sub, fmt.Sprintf("test_%d%s", i, tpl.ext))
		body := strings.ReplaceAll(tpl.body, "{N}", fmt.Sprint(i))
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			return err
		}
		if progress != nil && (i+1)%1000 == 0 {
			progress(i + 1)
		}
	}
	return nil
}
