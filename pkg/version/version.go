package version

// 构建时通过 -ldflags "-X github.com/dushixiang/ransomguard/pkg/version.Version=x.y.z" 注入
var (
	Version   = "dev"
	GitCommit = ""
)

// GetVersion 获取版本号
func GetVersion() string {
	return Version
}
