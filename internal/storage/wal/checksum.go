package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌記錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + TaskID + UUID + 狀態
// 不包含 Timestamp
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(string(event.TaskID))
	b.WriteByte('|')
	b.WriteString(event.UUID)
	if event.Update != nil {
		b.WriteByte('|')
		b.WriteString(string(event.Update.State))
		b.WriteByte('|')
		b.WriteString(string(event.Update.Reason))
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
