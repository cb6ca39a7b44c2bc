package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StageText is how one pipeline stage is shown in the status message.
type StageText struct {
	Icon   string `yaml:"icon"`
	Active string `yaml:"active"`
	Done   string `yaml:"done"`
}

// Profile carries everything user-visible that differs between deployments:
// the script prompt, stage labels and chat texts.
type Profile struct {
	ScriptPrompt  string               `yaml:"script_prompt"`
	CaptionPrompt string               `yaml:"caption_prompt"`
	Stages        map[string]StageText `yaml:"stages"`
	Idle          string               `yaml:"idle"`
	Queued        string               `yaml:"queued"`  // fmt verb %d receives the position
	Failed        string               `yaml:"failed"`  // prefix before the reason
	Received      string               `yaml:"received"`
	GalleryLabel  string               `yaml:"gallery_label"`
}

// DefaultScriptPrompt is a text/template; fields: Seconds, MinChars, TargetChars.
const DefaultScriptPrompt = `คุณคือ "พี่ต้น" นักรีวิวสินค้าออนไลน์มือฉมัง ที่มีผู้ติดตามหลายล้านคน

ดูวิดีโอสินค้านี้แล้วเขียน script พากย์เสียงภาษาไทย

⚠️ สำคัญมาก: วิดีโอยาว {{.Seconds}} วินาที
- Script ต้องยาว {{.MinChars}}-{{.TargetChars}} ตัวอักษร (ภาษาไทยพูดประมาณ 8-10 ตัว/วินาที)
- ถ้า script สั้นกว่านี้ วิดีโอจะถูกตัด!

สไตล์:
- เปิดด้วย "โห้ อันนี้ต้องมี!" หรือ "ของดีมาแล้วครับพี่น้อง!"
- บรรยายจุดเด่นของสินค้าตามที่เห็นในวิดีโอ อธิบายให้ละเอียด
- ใส่ประโยชน์การใช้งาน วิธีใช้ ข้อดี
- ปิดด้วย "สนใจสั่งเลยครับ รีบๆนะ ของมีจำกัด!"

ตอบเป็น JSON: {"thai_script": "ข้อความพากย์เสียงยาว {{.MinChars}}-{{.TargetChars}} ตัวอักษร", "title": "แคปชั่นสั้น 1 บรรทัด มี emoji 1-2 ตัว"}`

// DefaultCaptionPrompt is a text/template; field: Script (already clipped).
const DefaultCaptionPrompt = `จาก script วีดีโอสินค้านี้ ช่วยสร้างแคปชั่นสำหรับโพสต์ Facebook Reels

กฎ:
- 1 บรรทัดเท่านั้น
- น่าสนใจ ดึงดูดคนกด ใช้ภาษาชวนซื้อ
- มี emoji 1-2 ตัว
- ความยาว 40-80 ตัวอักษร
- ห้ามตัดคำ ต้องจบประโยคสมบูรณ์
- ตอบแค่แคปชั่นเลย ไม่ต้องมีเครื่องหมายคำพูดหรือคำอธิบาย

script: {{.Script}}`

// DefaultProfile mirrors the texts the bot has always used.
func DefaultProfile() Profile {
	return Profile{
		ScriptPrompt:  DefaultScriptPrompt,
		CaptionPrompt: DefaultCaptionPrompt,
		Stages: map[string]StageText{
			"fetching":     {Icon: "📥", Active: "กำลังดาวน์โหลดวิดีโอ", Done: "ดาวน์โหลดวิดีโอ"},
			"analyzing":    {Icon: "🔍", Active: "กำลังวิเคราะห์วิดีโอ", Done: "วิเคราะห์วิดีโอ"},
			"synthesizing": {Icon: "🎙️", Active: "กำลังสร้างเสียงพากย์", Done: "สร้างเสียงพากย์"},
			"merging":      {Icon: "🎬", Active: "กำลังรวมวิดีโอ", Done: "รวมวิดีโอ"},
			"publishing":   {Icon: "📤", Active: "กำลังบันทึกวิดีโอ", Done: "บันทึกวิดีโอ"},
		},
		Idle:         "⏳ เริ่มต้น...",
		Queued:       "⏳ อยู่ในคิวลำดับที่ %d กรุณารอสักครู่...",
		Failed:       "❌ ผิดพลาด",
		Received:     "📥 รับลิงก์แล้ว! กำลังเข้าคิว...",
		GalleryLabel: "🎥 เปิดคลัง",
	}
}

// LoadProfile reads a YAML profile on top of the defaults. An empty path
// returns the defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read profile: %w", err)
	}

	var file Profile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, fmt.Errorf("failed to parse profile: %w", err)
	}
	p.merge(file)
	return p, nil
}

func (p *Profile) merge(o Profile) {
	if o.ScriptPrompt != "" {
		p.ScriptPrompt = o.ScriptPrompt
	}
	if o.CaptionPrompt != "" {
		p.CaptionPrompt = o.CaptionPrompt
	}
	for name, st := range o.Stages {
		cur := p.Stages[name]
		if st.Icon != "" {
			cur.Icon = st.Icon
		}
		if st.Active != "" {
			cur.Active = st.Active
		}
		if st.Done != "" {
			cur.Done = st.Done
		}
		p.Stages[name] = cur
	}
	if o.Idle != "" {
		p.Idle = o.Idle
	}
	if o.Queued != "" {
		p.Queued = o.Queued
	}
	if o.Failed != "" {
		p.Failed = o.Failed
	}
	if o.Received != "" {
		p.Received = o.Received
	}
	if o.GalleryLabel != "" {
		p.GalleryLabel = o.GalleryLabel
	}
}
