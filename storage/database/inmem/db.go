package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
)

type (
	// User, Teacher and Label mirror the directory tables the timetable joins against.
	User struct {
		ID       int
		Name     string
		IsActive bool
	}

	Teacher struct {
		ID       int
		UserID   *int
		Name     string
		IsActive bool
	}

	Label struct {
		ID   int
		Name string
	}

	DB struct {
		directory    *directoryTables
		period       *periodTable
		notification *notificationTable
	}

	directoryTables struct {
		sync.RWMutex
		users    map[int]User
		teachers map[int]Teacher
		classes  map[int]string
		sections map[int]string
		subjects map[int]string
	}

	periodTable struct {
		sync.RWMutex
		pkCount int
		table   map[int]*timetable.Period
	}

	notificationTable struct {
		sync.RWMutex
		rows []*notification.Notification // insertion order
	}
)

func Open() *DB {
	return &DB{
		directory: &directoryTables{
			users:    make(map[int]User),
			teachers: make(map[int]Teacher),
			classes:  make(map[int]string),
			sections: make(map[int]string),
			subjects: make(map[int]string),
		},
		period:       &periodTable{table: make(map[int]*timetable.Period)},
		notification: &notificationTable{},
	}
}

func (db *DB) AddUser(u User) {
	db.directory.Lock()
	defer db.directory.Unlock()
	db.directory.users[u.ID] = u
}

func (db *DB) AddTeacher(t Teacher) {
	db.directory.Lock()
	defer db.directory.Unlock()
	db.directory.teachers[t.ID] = t
}

func (db *DB) AddClass(l Label) {
	db.directory.Lock()
	defer db.directory.Unlock()
	db.directory.classes[l.ID] = l.Name
}

func (db *DB) AddSection(l Label) {
	db.directory.Lock()
	defer db.directory.Unlock()
	db.directory.sections[l.ID] = l.Name
}

func (db *DB) AddSubject(l Label) {
	db.directory.Lock()
	defer db.directory.Unlock()
	db.directory.subjects[l.ID] = l.Name
}

// Notifications returns a copy of every stored notification, oldest first.
func (db *DB) Notifications() []notification.Notification {
	db.notification.RLock()
	defer db.notification.RUnlock()

	ns := make([]notification.Notification, 0, len(db.notification.rows))
	for _, n := range db.notification.rows {
		ns = append(ns, *n)
	}
	return ns
}
