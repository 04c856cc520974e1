package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	simulateCounts []string
	simulateTest   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次累计告警并发送到已启用的通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTest {
			return getApp().SendTest(cmd.Context())
		}
		counts, err := parseCounts(simulateCounts)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), counts)
	},
}

// parseCounts 解析 SATELLITE=N 形式的参数。
func parseCounts(values []string) (map[string]int, error) {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		name, raw, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("--count 格式应为 SATELLITE=N: %q", v)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("--count 数量必须大于 0: %q", v)
		}
		counts[strings.TrimSpace(name)] = n
	}
	return counts, nil
}

func init() {
	simulateCmd.Flags().StringSliceVar(&simulateCounts, "count", nil, "每颗卫星的模拟数量, 例如 VIIRS_SNPP=3")
	simulateCmd.Flags().BoolVar(&simulateTest, "test", false, "只发送连通性测试消息")
}
