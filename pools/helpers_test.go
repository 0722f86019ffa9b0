package pools_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/pools"
	"github.com/vkngwrapper/gpumem/pools/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func outOfDeviceMemory() error {
	return errors.Mark(errors.New("VK_ERROR_OUT_OF_DEVICE_MEMORY"), pools.ErrDeviceOutOfMemory)
}

type nativeMemory struct {
	memoryTypeIndex int
	size            int
}

func mockDevice(t *testing.T, memoryTypes ...pools.MemoryType) *mocks.MockDevice {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().MemoryTypes().Return(memoryTypes).AnyTimes()
	return device
}

func expectBlock(device *mocks.MockDevice, memoryTypeIndex, size int) *nativeMemory {
	memory := &nativeMemory{memoryTypeIndex: memoryTypeIndex, size: size}
	device.EXPECT().AllocateMemory(memoryTypeIndex, size).Return(memory, nil)
	return memory
}

func expectOutOfMemory(device *mocks.MockDevice, memoryTypeIndex, size int) *gomock.Call {
	return device.EXPECT().AllocateMemory(memoryTypeIndex, size).Return(nil, outOfDeviceMemory())
}
