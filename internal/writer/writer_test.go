package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/javi11/nzbcore/internal/model"
	"github.com/stretchr/testify/require"
)

func TestWriteDirectAtOffset(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	file := &model.FileInfo{}
	w := New(file, ModeDirect, outPath, "")

	require.NoError(t, w.WriteArticle(&model.ArticleInfo{}, 1, 5, []byte("ABCDE")))
	require.NoError(t, w.WriteArticle(&model.ArticleInfo{}, 6, 10, []byte("FGHIJ")))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "ABCDEFGHIJ", string(got))
}

func TestCompleteFilePartsReassemblesInOrder(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	scratchDir := t.TempDir()

	file := &model.FileInfo{Articles: []*model.ArticleInfo{
		{FileID: 1, PartNumber: 2, Status: model.ArticleStatusFinished},
		{FileID: 1, PartNumber: 1, Status: model.ArticleStatusFinished},
	}}
	w := New(file, ModeScratch, outPath, scratchDir)

	require.NoError(t, w.WriteArticle(file.Articles[0], 0, 0, []byte("world")))
	require.NoError(t, w.WriteArticle(file.Articles[1], 0, 0, []byte("hello ")))

	require.NoError(t, w.CompleteFileParts(false, nil))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	for _, a := range file.Articles {
		_, err := os.Stat(w.scratchPath(a))
		require.True(t, os.IsNotExist(err), "scratch file should be removed after completion")
	}
}

func TestCompleteFilePartsRawModeStripsTrailingDotLine(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	scratchDir := t.TempDir()

	file := &model.FileInfo{Articles: []*model.ArticleInfo{
		{FileID: 1, PartNumber: 1, Status: model.ArticleStatusFinished},
	}}
	w := New(file, ModeScratch, outPath, scratchDir)

	require.NoError(t, w.WriteArticle(file.Articles[0], 0, 0, []byte("payload\r\n.\r\n")))
	require.NoError(t, w.CompleteFileParts(true, nil))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestCompleteFilePartsSkipsDuplicateFilename(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	scratchDir := t.TempDir()

	dedup := model.NewDedup(10)
	dedup.Add(filepath.Base(outPath))

	file := &model.FileInfo{Articles: []*model.ArticleInfo{
		{FileID: 1, PartNumber: 1, Status: model.ArticleStatusFinished},
	}}
	w := New(file, ModeScratch, outPath, scratchDir)
	require.NoError(t, w.WriteArticle(file.Articles[0], 0, 0, []byte("already have this")))

	require.NoError(t, w.CompleteFileParts(false, dedup))

	require.True(t, file.Duplicate)
	_, err := os.Stat(outPath)
	require.True(t, os.IsNotExist(err), "duplicate output should not be written")
	_, err = os.Stat(w.scratchPath(file.Articles[0]))
	require.True(t, os.IsNotExist(err), "scratch file should be removed even when duplicate")
}

func TestCompleteFilePartsSkipsUnfinishedArticles(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	scratchDir := t.TempDir()

	file := &model.FileInfo{Articles: []*model.ArticleInfo{
		{FileID: 1, PartNumber: 1, Status: model.ArticleStatusFinished},
		{FileID: 1, PartNumber: 2, Status: model.ArticleStatusFailed},
	}}
	w := New(file, ModeScratch, outPath, scratchDir)
	require.NoError(t, w.WriteArticle(file.Articles[0], 0, 0, []byte("only-this")))

	require.NoError(t, w.CompleteFileParts(false, nil))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "only-this", string(got))
}
