// Package version carries build metadata injected through -ldflags.
package version

import "fmt"

// Product 是对外展示的程序名，同时出现在 User-Agent 与 -version 输出中。
const Product = "weblite"

var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 "weblite <version> (<commit>)"。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Product, Version, Commit)
}
