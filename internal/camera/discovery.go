package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// v4l2-ctl の応答待ち時間
const v4l2Timeout = 5 * time.Second

var (
	videoNodePattern = regexp.MustCompile(`^/dev/video\d+$`)
	videoNumPattern  = regexp.MustCompile(`video(\d+)`)
	formatPattern    = regexp.MustCompile(`\[\d+\]:\s*'(\w+)'`)
	sizePattern      = regexp.MustCompile(`Size:\s*\w+\s+(\d+)x(\d+)`)
)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() Discovery {
	return &LinuxDiscovery{}
}

// ScanDevices は /dev/video* のうちカラー映像を出せるデバイスを番号順に返す
// 同じカメラのメタデータ用ノードなどは除く。
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool) // カメラ名ごとに最小番号のみ採用
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}
		formats, _, err := listFormats(ctx, match)
		if err != nil || !hasColorFormat(formats) {
			continue
		}
		if name := d.deviceName(ctx, match); name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		devices = append(devices, match)
	}
	return devices, nil
}

// IsDeviceAvailable はデバイスノードが存在し、読み取りで開けるかを返す
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoNodePattern.MatchString(device) {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo は v4l2-ctl から名前、ドライバー、フォーマット、解像度を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{Device: device}
	if out, err := runV4L2(ctx, device, "--info"); err == nil {
		info.Name = infoField(out, "Card type")
		info.Driver = infoField(out, "Driver name")
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	formats, resolutions, err := listFormats(ctx, device)
	if err != nil {
		return nil, err
	}
	info.Formats = formats
	info.Resolutions = resolutions
	return info, nil
}

func (d *LinuxDiscovery) deviceName(ctx context.Context, device string) string {
	out, err := runV4L2(ctx, device, "--info")
	if err != nil {
		return ""
	}
	return infoField(out, "Card type")
}

func runV4L2(ctx context.Context, device string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v4l2Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "v4l2-ctl", append([]string{"--device", device}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("v4l2-ctl %s の実行に失敗: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func listFormats(ctx context.Context, device string) ([]string, []Resolution, error) {
	out, err := runV4L2(ctx, device, "--list-formats-ext")
	if err != nil {
		return nil, nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}
	formats, resolutions := parseFormatList(out)
	return formats, resolutions, nil
}

// parseFormatList は --list-formats-ext の出力からフォーマットと解像度を取り出す
// 解像度は重複を除き、画素数の小さい順に並べる。
func parseFormatList(out string) ([]string, []Resolution) {
	var formats []string
	var resolutions []Resolution
	seen := make(map[Resolution]bool)
	for _, line := range strings.Split(out, "\n") {
		if m := formatPattern.FindStringSubmatch(line); m != nil {
			formats = append(formats, m[1])
			continue
		}
		if m := sizePattern.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			r := Resolution{Width: w, Height: h}
			if !seen[r] {
				seen[r] = true
				resolutions = append(resolutions, r)
			}
		}
	}
	sort.Slice(resolutions, func(i, j int) bool {
		return resolutions[i].Width*resolutions[i].Height < resolutions[j].Width*resolutions[j].Height
	})
	return formats, resolutions
}

// infoField は --info の出力から "key : value" の値を取り出す
func infoField(out, key string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, key) {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// hasColorFormat はカラー映像のフォーマットを含むかを返す
// 蛍光カメラの一部はGREYのみで、これはメイン映像にしない。
func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		switch f {
		case "YUYV", "MJPG", "NV12", "RGB3", "BGR3":
			return true
		}
	}
	return false
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := videoNumPattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu          sync.Mutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録されているかを返す
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deviceInfos[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報のコピーを返す
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deviceInfos[device]; ok {
		return
	}
	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device: device,
		Name:   fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver: "mock",
		Resolutions: []Resolution{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
		},
		Formats: []string{"MJPG"},
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
