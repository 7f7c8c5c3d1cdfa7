package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yangnaru/oeee-cafe-sub000/internal/blob"
	"github.com/yangnaru/oeee-cafe-sub000/internal/models"
)

const (
	DefaultCapacity = 8
	MaxCapacity     = 32
	MaxCanvasSize   = 2048
)

// SessionService 封装会话生命周期:创建、加入、离开、保存成帖、结束。
// 会话行是权威状态,容量与保存的不变量都靠行级锁内的事务保证。
type SessionService struct {
	db    *gorm.DB
	store blob.ObjectStore
}

func NewSessionService(db *gorm.DB, store blob.ObjectStore) *SessionService {
	return &SessionService{db: db, store: store}
}

// lockForUpdate 在支持的方言上加行级锁。sqlite(测试)没有 FOR UPDATE,
// 靠单连接串行化。
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// CreateParams 创建会话的入参。
type CreateParams struct {
	OwnerID     uuid.UUID
	Title       string
	Width       int
	Height      int
	IsPublic    bool
	Capacity    int
	CommunityID *uint
}

// Create 插入会话行并返回。容量与画布尺寸越界时收敛到许可范围。
func (s *SessionService) Create(p CreateParams) (*models.Session, error) {
	if p.Capacity <= 0 {
		p.Capacity = DefaultCapacity
	}
	if p.Capacity > MaxCapacity {
		p.Capacity = MaxCapacity
	}
	if p.Width < 1 || p.Width > MaxCanvasSize || p.Height < 1 || p.Height > MaxCanvasSize {
		return nil, errors.New("invalid canvas size")
	}
	now := time.Now()
	session := models.Session{
		ID:              uuid.New(),
		OwnerID:         p.OwnerID,
		Title:           p.Title,
		Width:           p.Width,
		Height:          p.Height,
		IsPublic:        p.IsPublic,
		MaxParticipants: p.Capacity,
		CommunityID:     p.CommunityID,
		LastActivityAt:  now,
	}
	if err := s.db.Create(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// Get 按 ID 读取会话。
func (s *SessionService) Get(sid uuid.UUID) (*models.Session, error) {
	var session models.Session
	if err := s.db.First(&session, "id = ?", sid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// Join 在行级锁下接纳参与者:已结束的会话拒绝;老成员无条件重新激活;
// 新成员只有在活跃人数低于容量时才接纳。整个判定在一个事务里提交。
func (s *SessionService) Join(ctx context.Context, sid, uid uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.Session
		if err := lockForUpdate(tx).First(&session, "id = ?", sid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if session.EndedAt != nil {
			return ErrSessionEnded
		}
		var p models.SessionParticipant
		err := tx.Where("session_id = ? AND user_id = ?", sid, uid).First(&p).Error
		switch {
		case err == nil:
			now := time.Now()
			return tx.Model(&p).Updates(map[string]interface{}{
				"active": true, "joined_at": now, "left_at": nil,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			var active int64
			if err := tx.Model(&models.SessionParticipant{}).
				Where("session_id = ? AND active = ?", sid, true).
				Count(&active).Error; err != nil {
				return err
			}
			if active >= int64(session.MaxParticipants) {
				return ErrCapacityFull
			}
			return tx.Create(&models.SessionParticipant{
				SessionID: sid,
				UserID:    uid,
				Active:    true,
				JoinedAt:  time.Now(),
			}).Error
		default:
			return err
		}
	})
}

// Leave 标记参与者离开,行本身保留,供重进复用。
func (s *SessionService) Leave(ctx context.Context, sid, uid uuid.UUID) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sid, uid).
		Updates(map[string]interface{}{"active": false, "left_at": now}).Error
}

// ActiveCount 返回当前活跃参与者数。
func (s *SessionService) ActiveCount(sid uuid.UUID) (int, error) {
	var n int64
	err := s.db.Model(&models.SessionParticipant{}).
		Where("session_id = ? AND active = ?", sid, true).Count(&n).Error
	return int(n), err
}

// SaveResult 保存成帖的返回数据。
type SaveResult struct {
	PostID     uint
	OwnerLogin string
	PostURL    string
}

// Save 把会话成品存为帖子。行级锁下校验所有权与未保存状态,上传内容
// 寻址的 PNG,插入 image 与 post 行,最后回写 saved_post_id 并结束会话。
// 任一步出错整个事务回滚;上传成功但提交失败只留下无害的孤儿对象。
func (s *SessionService) Save(ctx context.Context, sid, uid uuid.UUID, png []byte) (*SaveResult, error) {
	var result SaveResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.Session
		if err := lockForUpdate(tx).First(&session, "id = ?", sid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if session.OwnerID != uid {
			return ErrNotOwner
		}
		if session.SavedPostID != nil {
			return ErrAlreadySaved
		}
		var owner models.User
		if err := tx.First(&owner, "id = ?", uid).Error; err != nil {
			return err
		}
		key, hash := blob.ImageKey(png)
		if err := s.store.PutPNG(ctx, key, png); err != nil {
			return err
		}
		now := time.Now()
		image := models.Image{
			FileHash:      hash,
			Width:         session.Width,
			Height:        session.Height,
			PaintDuration: int64(now.Sub(session.CreatedAt).Seconds()),
		}
		if err := tx.Where("file_hash = ?", hash).FirstOrCreate(&image).Error; err != nil {
			return err
		}
		post := models.Post{
			UserID:      uid,
			ImageID:     image.ID,
			Title:       session.Title,
			CommunityID: session.CommunityID,
		}
		if err := tx.Create(&post).Error; err != nil {
			return err
		}
		if err := tx.Model(&session).Updates(map[string]interface{}{
			"saved_post_id": post.ID,
			"ended_at":      now,
		}).Error; err != nil {
			return err
		}
		result = SaveResult{
			PostID:     post.ID,
			OwnerLogin: owner.LoginName,
			PostURL:    fmt.Sprintf("/@%s/%d", owner.LoginName, post.ID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// End 在行锁下校验所有者并设置结束时间。已结束的会话保持原结束时间不变。
func (s *SessionService) End(ctx context.Context, sid, by uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.Session
		if err := lockForUpdate(tx).First(&session, "id = ?", sid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if session.OwnerID != by {
			return ErrNotOwner
		}
		if session.EndedAt != nil {
			return nil
		}
		return tx.Model(&session).Update("ended_at", time.Now()).Error
	})
}

// EndWithParticipants 结束会话并把所有活跃参与者标记为离开,清扫任务
// 回收空闲会话时使用。
func (s *SessionService) EndWithParticipants(ctx context.Context, sid uuid.UUID) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Session{}).
			Where("id = ? AND ended_at IS NULL", sid).
			Update("ended_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&models.SessionParticipant{}).
			Where("session_id = ? AND active = ?", sid, true).
			Updates(map[string]interface{}{"active": false, "left_at": now}).Error
	})
}

// Meta 是会话元信息接口的输出。
type Meta struct {
	Title       string
	Width       int
	Height      int
	OwnerID     uuid.UUID
	OwnerLogin  string
	SavedPostID *uint
	MaxUsers    int
}

// GetMeta 读取会话元信息及所有者登录名。
func (s *SessionService) GetMeta(sid uuid.UUID) (*Meta, error) {
	session, err := s.Get(sid)
	if err != nil {
		return nil, err
	}
	var owner models.User
	if err := s.db.First(&owner, "id = ?", session.OwnerID).Error; err != nil {
		return nil, err
	}
	return &Meta{
		Title:       session.Title,
		Width:       session.Width,
		Height:      session.Height,
		OwnerID:     session.OwnerID,
		OwnerLogin:  owner.LoginName,
		SavedPostID: session.SavedPostID,
		MaxUsers:    session.MaxParticipants,
	}, nil
}

// LobbyEntry 是大厅列表里的一个房间。
type LobbyEntry struct {
	Session models.Session
	Active  int
}

// ListActive 返回未满员的公开活跃会话,按创建时间倒序。
func (s *SessionService) ListActive(limit int) ([]LobbyEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var sessions []models.Session
	if err := s.db.Where("ended_at IS NULL AND is_public = ?", true).
		Order("created_at desc").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, err
	}
	out := make([]LobbyEntry, 0, len(sessions))
	for _, session := range sessions {
		n, err := s.ActiveCount(session.ID)
		if err != nil {
			return nil, err
		}
		if n >= session.MaxParticipants {
			continue
		}
		out = append(out, LobbyEntry{Session: session, Active: n})
	}
	return out, nil
}

// ListUnended 返回所有未结束的会话,清扫任务用。
func (s *SessionService) ListUnended() ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.Where("ended_at IS NULL").Find(&sessions).Error
	return sessions, err
}

// ListEnded 返回已结束的会话,清扫任务回收缓存键时用。
func (s *SessionService) ListEnded() ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.Where("ended_at IS NOT NULL").Find(&sessions).Error
	return sessions, err
}

// TouchActivity 把会话的最后活跃时间推进到给定时刻(只前进不后退)。
func (s *SessionService) TouchActivity(sid uuid.UUID, at time.Time) error {
	return s.db.Model(&models.Session{}).
		Where("id = ? AND last_activity_at < ?", sid, at).
		Update("last_activity_at", at).Error
}
