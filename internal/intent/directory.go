package intent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Vendor 描述可信供应商目录中的一条记录。
type Vendor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Flagged bool   `json:"flagged,omitempty"`
}

// Directory 提供静态的可信供应商检索能力。
type Directory struct {
	vendors []Vendor
}

// NewDirectory 创建静态供应商目录。
func NewDirectory(vendors []Vendor) *Directory {
	return &Directory{vendors: vendors}
}

// LoadDirectory 从 JSON 文件加载供应商目录。
func LoadDirectory(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("供应商目录路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析供应商目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取供应商目录失败: %w", err)
	}
	defer file.Close()

	var vendors []Vendor
	if err := json.NewDecoder(file).Decode(&vendors); err != nil {
		return nil, fmt.Errorf("解析供应商目录失败: %w", err)
	}

	return NewDirectory(vendors), nil
}

// Lookup 按收款方标识查找供应商：先做 ID 精确匹配，再对名称做
// 大小写不敏感的子串匹配。
func (d *Directory) Lookup(recipient string) (*Vendor, bool) {
	if d == nil {
		return nil, false
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, false
	}

	for i := range d.vendors {
		if d.vendors[i].ID == recipient {
			vendor := d.vendors[i]
			return &vendor, true
		}
	}

	lowered := strings.ToLower(recipient)
	for i := range d.vendors {
		name := strings.ToLower(d.vendors[i].Name)
		if name == "" {
			continue
		}
		if strings.Contains(name, lowered) || strings.Contains(lowered, name) {
			vendor := d.vendors[i]
			return &vendor, true
		}
	}
	return nil, false
}
