// Пакет filestore — операции с backing-файлами загрузок на диске.
//
// Раскладка UM_UPLOAD_DIR:
//   - {id}{incompleteExt} — файл загрузки в процессе (дозапись чанков)
//   - {id}{completeExt}   — файл после подтверждения контрольной суммы
//   - staging/{uuid}.chunk — принятые HTTP-слоем чанки, ожидающие воркера
//
// Дозапись: проверка размера → append → fsync. При ошибке файл обрезается
// до исходного смещения, поэтому offset в записи никогда не превышает размер файла.
package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// stagingDir — поддиректория для принятых, но ещё не применённых чанков.
const stagingDir = "staging"

// ErrOffsetMismatch — размер файла на диске меньше ожидаемого смещения.
var ErrOffsetMismatch = errors.New("размер файла не совпадает со смещением")

// FileStore — управление backing-файлами загрузок.
type FileStore struct {
	// dataDir — корневая директория загрузок (UM_UPLOAD_DIR)
	dataDir string
	// incompleteExt — суффикс незавершённой загрузки (".part")
	incompleteExt string
	// completeExt — суффикс завершённой загрузки (".done")
	completeExt string
}

// StageResult — результат сохранения чанка в staging.
type StageResult struct {
	// Path — относительный путь чанка в dataDir
	Path string
	// Size — количество записанных байт
	Size int64
}

// New создаёт FileStore. Создаёт dataDir и staging, если они не существуют.
func New(dataDir, incompleteExt, completeExt string) (*FileStore, error) {
	if incompleteExt == completeExt {
		return nil, fmt.Errorf("суффиксы незавершённой и завершённой загрузки совпадают: %q", completeExt)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, stagingDir), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию загрузок %s: %w", dataDir, err)
	}

	return &FileStore{
		dataDir:       dataDir,
		incompleteExt: incompleteExt,
		completeExt:   completeExt,
	}, nil
}

// IncompleteName возвращает имя backing-файла незавершённой загрузки.
func (fs *FileStore) IncompleteName(uploadID string) string {
	return uploadID + fs.incompleteExt
}

// Stage записывает данные из reader в staging-файл с fsync.
// Паттерн: temp файл → запись → fsync → atomic rename.
func (fs *FileStore) Stage(reader io.Reader) (*StageResult, error) {
	name := filepath.Join(stagingDir, uuid.New().String()+".chunk")
	fullPath := fs.FullPath(name)
	tmpPath := fullPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &StageResult{Path: name, Size: size}, nil
}

// Adopt переносит staging-файл в backing-файл новой загрузки.
// Возвращает относительный путь backing-файла.
func (fs *FileStore) Adopt(stagedPath, uploadID string) (string, error) {
	name := fs.IncompleteName(uploadID)
	if fs.FileExists(name) {
		return "", fmt.Errorf("backing-файл %s уже существует", name)
	}
	if err := os.Rename(fs.FullPath(stagedPath), fs.FullPath(name)); err != nil {
		return "", fmt.Errorf("ошибка переноса %s → %s: %w", stagedPath, name, err)
	}
	return name, nil
}

// Append дописывает данные из reader в конец backing-файла.
//
// offset — смещение, подтверждённое записью. Если на диске больше байт
// (остаток прерванной дозаписи), файл обрезается до offset. Если меньше —
// возвращается ErrOffsetMismatch. При ошибке записи файл обрезается обратно.
func (fs *FileStore) Append(storagePath string, offset int64, reader io.Reader) (int64, error) {
	fullPath := fs.FullPath(storagePath)

	f, err := os.OpenFile(fullPath, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", storagePath, err)
	}
	if info.Size() < offset {
		return 0, fmt.Errorf("%w: %s (на диске %d, ожидалось %d)", ErrOffsetMismatch, storagePath, info.Size(), offset)
	}
	if info.Size() > offset {
		if err := f.Truncate(offset); err != nil {
			return 0, fmt.Errorf("ошибка обрезки файла %s: %w", storagePath, err)
		}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("ошибка позиционирования в файле %s: %w", storagePath, err)
	}

	n, err := io.Copy(f, reader)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Truncate(offset)
		return 0, fmt.Errorf("ошибка дозаписи в файл %s: %w", storagePath, err)
	}

	return n, nil
}

// Holds проверяет, что backing-файл начиная с offset содержит ровно
// данные файла stagedPath. Используется при повторной доставке задачи дозаписи.
func (fs *FileStore) Holds(storagePath string, offset int64, stagedPath string) (bool, error) {
	chunk, err := os.Open(fs.FullPath(stagedPath))
	if err != nil {
		return false, fmt.Errorf("ошибка открытия файла %s: %w", stagedPath, err)
	}
	defer chunk.Close()

	f, err := os.Open(fs.FullPath(storagePath))
	if err != nil {
		return false, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false, fmt.Errorf("ошибка позиционирования в файле %s: %w", storagePath, err)
	}

	a := make([]byte, 32*1024)
	b := make([]byte, len(a))
	for {
		n, errA := io.ReadFull(chunk, a)
		if n > 0 {
			if _, err := io.ReadFull(f, b[:n]); err != nil {
				return false, nil
			}
			if !bytes.Equal(a[:n], b[:n]) {
				return false, nil
			}
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return true, nil
		}
		if errA != nil {
			return false, fmt.Errorf("ошибка чтения файла %s: %w", stagedPath, errA)
		}
	}
}

// Truncate обрезает backing-файл до size. Используется для отката дозаписи,
// если транзакция в БД не была зафиксирована.
func (fs *FileStore) Truncate(storagePath string, size int64) error {
	if err := os.Truncate(fs.FullPath(storagePath), size); err != nil {
		return fmt.Errorf("ошибка обрезки файла %s: %w", storagePath, err)
	}
	return nil
}

// Complete атомарно переименовывает backing-файл, заменяя суффикс
// незавершённой загрузки на ext. Возвращает новый относительный путь.
func (fs *FileStore) Complete(storagePath, ext string) (string, error) {
	newPath := strings.TrimSuffix(storagePath, fs.incompleteExt) + ext
	if newPath == storagePath {
		return storagePath, nil
	}
	if err := os.Rename(fs.FullPath(storagePath), fs.FullPath(newPath)); err != nil {
		return "", fmt.Errorf("ошибка атомарного переименования %s → %s: %w", storagePath, newPath, err)
	}
	return newPath, nil
}

// CompleteExt возвращает суффикс завершённой загрузки по умолчанию.
func (fs *FileStore) CompleteExt() string {
	return fs.completeExt
}

// Rename переименовывает файл (откат Complete).
func (fs *FileStore) Rename(from, to string) error {
	if err := os.Rename(fs.FullPath(from), fs.FullPath(to)); err != nil {
		return fmt.Errorf("ошибка переименования %s → %s: %w", from, to, err)
	}
	return nil
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(storagePath string) (*os.File, error) {
	f, err := os.Open(fs.FullPath(storagePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("файл не найден: %s: %w", storagePath, err)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}
	return f, nil
}

// FullPath возвращает абсолютный путь к файлу на диске.
func (fs *FileStore) FullPath(storagePath string) string {
	return filepath.Join(fs.dataDir, storagePath)
}

// DeleteFile удаляет файл с диска.
// Возвращает nil, если файл уже не существует.
func (fs *FileStore) DeleteFile(storagePath string) error {
	if storagePath == "" {
		return nil
	}
	err := os.Remove(fs.FullPath(storagePath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", storagePath, err)
	}
	return nil
}

// FileExists проверяет существование файла на диске.
func (fs *FileStore) FileExists(storagePath string) bool {
	_, err := os.Stat(fs.FullPath(storagePath))
	return err == nil
}

// FileSize возвращает размер файла на диске.
func (fs *FileStore) FileSize(storagePath string) (int64, error) {
	info, err := os.Stat(fs.FullPath(storagePath))
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", storagePath, err)
	}
	return info.Size(), nil
}

// CleanStaging удаляет staging-файлы, изменённые не позже cutoff
// (чанки, чьи задачи так и не были применены). Возвращает число удалённых файлов.
func (fs *FileStore) CleanStaging(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(fs.FullPath(stagingDir))
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения staging: %w", err)
	}

	removed := 0
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := fs.DeleteFile(filepath.Join(stagingDir, e.Name())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// DataDir возвращает путь к директории загрузок.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}
