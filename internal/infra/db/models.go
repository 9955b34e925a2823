package db

import "time"

type AccountModel struct {
	ID           int64     `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Active       bool      `gorm:"not null"`
	Roles        string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (AccountModel) TableName() string {
	return "accounts"
}

type DeviceModel struct {
	ID            int64  `gorm:"primaryKey"`
	UID           string `gorm:"column:uid;uniqueIndex;not null"`
	Callsign      string
	DeviceType    string
	OS            string `gorm:"column:os"`
	Platform      string
	Version       string
	PhoneNumber   string
	LastEventTime *time.Time
	LastStatus    string
	AccountID     *int64 `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (DeviceModel) TableName() string {
	return "euds"
}

type CertificateModel struct {
	ID                 int64  `gorm:"primaryKey"`
	CommonName         string `gorm:"not null"`
	EUDUID             string `gorm:"column:eud_uid;uniqueIndex;not null"`
	Callsign           string
	SerialNumber       string
	ExpirationDate     time.Time `gorm:"not null"`
	ServerAddress      string
	ServerPort         int
	TruststoreFilename string
	UserCertFilename   string
	CSRFilename        string `gorm:"column:csr"`
	CertPassword       string
	PackageHash        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (CertificateModel) TableName() string {
	return "certificates"
}

type PackageModel struct {
	ID             int64  `gorm:"primaryKey"`
	Hash           string `gorm:"uniqueIndex;not null"`
	CID            string `gorm:"column:cid"`
	Filename       string `gorm:"not null"`
	Keywords       string
	CreatorUID     string    `gorm:"column:creator_uid"`
	SubmissionUser *int64    `gorm:"index"`
	SubmissionTime time.Time `gorm:"not null"`
	MIMEType       string    `gorm:"column:mime_type"`
	Size           int64     `gorm:"not null"`
	Tool           string
	EUDUID         string `gorm:"column:eud_uid;index"`
	Expiration     int64  `gorm:"not null;default:-1"`
}

func (PackageModel) TableName() string {
	return "packages"
}

// Models lists every table the store owns, in dependency order.
func Models() []any {
	return []any{
		&AccountModel{},
		&DeviceModel{},
		&CertificateModel{},
		&PackageModel{},
	}
}
